package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/opencode-core/orchd/internal/types"
)

// Index is the parsed form of LEDGER.md, the compact pointer file. The full
// epic state lives in epics/<id>/; the index only carries what a fresh
// session needs to orient itself.
type Index struct {
	Meta            Meta
	ActiveEpic      *EpicRef
	RecentLearnings []string // rendered as "[type] content", newest first, ≤5
	Handoff         *types.Handoff
	ActiveWorkflow  *types.WorkflowState
	Archive         []ArchiveEntry // newest first, ≤5
}

// Meta is the index header block.
type Meta struct {
	Version        int
	SessionID      string
	Phase          types.Phase
	Status         string // "active" | "handoff"
	TasksCompleted string // "n/m", empty when no epic
	LastUpdated    string // RFC3339
}

// EpicRef points at the single active epic.
type EpicRef struct {
	ID     string
	Title  string
	Status types.EpicStatus
}

// ArchiveEntry is one line of the compact archive ring.
type ArchiveEntry struct {
	ID         string
	Title      string
	Outcome    types.Outcome
	ArchivedAt string // RFC3339
}

const (
	indexVersion    = 6
	maxRecentLearns = 5
	maxArchiveRing  = 5
)

// defaultIndex is the state of a freshly initialized ledger.
func defaultIndex() *Index {
	return &Index{Meta: Meta{Version: indexVersion, Phase: types.PhaseClarify, Status: "active"}}
}

// Render produces the canonical markdown. Parse(Render(ix)) is the identity
// on indexes produced by this package.
func (ix *Index) Render() string {
	var b strings.Builder
	b.WriteString("# LEDGER\n\n## Meta\n\n")
	fmt.Fprintf(&b, "- Version: %d\n", ix.Meta.Version)
	if ix.Meta.SessionID != "" {
		fmt.Fprintf(&b, "- Session: %s\n", ix.Meta.SessionID)
	}
	fmt.Fprintf(&b, "- Phase: %s\n", ix.Meta.Phase)
	fmt.Fprintf(&b, "- Status: %s\n", ix.Meta.Status)
	if ix.Meta.TasksCompleted != "" {
		fmt.Fprintf(&b, "- Tasks Completed: %s\n", ix.Meta.TasksCompleted)
	}
	if ix.Meta.LastUpdated != "" {
		fmt.Fprintf(&b, "- Last Updated: %s\n", ix.Meta.LastUpdated)
	}

	if ix.ActiveEpic != nil {
		b.WriteString("\n## Active Epic\n\n")
		fmt.Fprintf(&b, "- ID: %s\n", ix.ActiveEpic.ID)
		fmt.Fprintf(&b, "- Title: %s\n", ix.ActiveEpic.Title)
		fmt.Fprintf(&b, "- Status: %s\n", ix.ActiveEpic.Status)
	}

	if len(ix.RecentLearnings) > 0 {
		b.WriteString("\n## Recent Learnings\n\n")
		for _, l := range ix.RecentLearnings {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}

	if ix.Handoff != nil {
		h := ix.Handoff
		b.WriteString("\n## Handoff\n\n")
		fmt.Fprintf(&b, "- Reason: %s\n", h.Reason)
		fmt.Fprintf(&b, "- Resume Command: %s\n", h.ResumeCommand)
		fmt.Fprintf(&b, "- Summary: %s\n", h.Summary)
		if len(h.FilesModified) > 0 {
			fmt.Fprintf(&b, "- Files Modified: %s\n", strings.Join(h.FilesModified, ", "))
		}
		if len(h.WhatsDone) > 0 {
			fmt.Fprintf(&b, "- Whats Done: %s\n", strings.Join(h.WhatsDone, "; "))
		}
		if len(h.WhatsNext) > 0 {
			fmt.Fprintf(&b, "- Whats Next: %s\n", strings.Join(h.WhatsNext, "; "))
		}
		if len(h.KeyContext) > 0 {
			fmt.Fprintf(&b, "- Key Context: %s\n", strings.Join(h.KeyContext, "; "))
		}
		if h.CreatedAt != 0 {
			fmt.Fprintf(&b, "- Created At: %d\n", h.CreatedAt)
		}
	}

	if ix.ActiveWorkflow != nil {
		if data, err := json.Marshal(ix.ActiveWorkflow); err == nil {
			b.WriteString("\n## Active Workflow\n\n")
			fmt.Fprintf(&b, "- State: %s\n", data)
		}
	}

	if len(ix.Archive) > 0 {
		b.WriteString("\n## Archive\n\n")
		for _, a := range ix.Archive {
			fmt.Fprintf(&b, "- %s | %s | %s | %s\n", a.ID, a.Title, a.Outcome, a.ArchivedAt)
		}
	}
	return b.String()
}

// ParseIndex reads canonical (or hand-edited) LEDGER.md markdown back into
// an Index. Unknown sections and malformed bullets are skipped, never fatal.
func ParseIndex(src string) *Index {
	ix := defaultIndex()
	ix.Meta = Meta{Version: indexVersion}
	section := ""
	for _, raw := range strings.Split(src, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "## ") {
			section = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			continue
		}
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		item := strings.TrimPrefix(line, "- ")

		switch section {
		case "Meta":
			key, val := splitKV(item)
			switch key {
			case "Version":
				if n, err := strconv.Atoi(val); err == nil {
					ix.Meta.Version = n
				}
			case "Session":
				ix.Meta.SessionID = val
			case "Phase":
				ix.Meta.Phase = types.Phase(val)
			case "Status":
				ix.Meta.Status = val
			case "Tasks Completed":
				ix.Meta.TasksCompleted = val
			case "Last Updated":
				ix.Meta.LastUpdated = val
			}
		case "Active Epic":
			if ix.ActiveEpic == nil {
				ix.ActiveEpic = &EpicRef{}
			}
			key, val := splitKV(item)
			switch key {
			case "ID":
				ix.ActiveEpic.ID = val
			case "Title":
				ix.ActiveEpic.Title = val
			case "Status":
				ix.ActiveEpic.Status = types.EpicStatus(val)
			}
		case "Recent Learnings":
			ix.RecentLearnings = append(ix.RecentLearnings, item)
		case "Handoff":
			if ix.Handoff == nil {
				ix.Handoff = &types.Handoff{}
			}
			parseHandoffLine(ix.Handoff, item)
		case "Active Workflow":
			key, val := splitKV(item)
			if key == "State" {
				var ws types.WorkflowState
				if err := json.Unmarshal([]byte(val), &ws); err == nil {
					ix.ActiveWorkflow = &ws
				}
			}
		case "Archive":
			parts := strings.Split(item, " | ")
			if len(parts) == 4 {
				ix.Archive = append(ix.Archive, ArchiveEntry{
					ID: parts[0], Title: parts[1],
					Outcome: types.Outcome(parts[2]), ArchivedAt: parts[3],
				})
			}
		}
	}
	if ix.Meta.Phase == "" {
		ix.Meta.Phase = types.PhaseClarify
	}
	if ix.Meta.Status == "" {
		ix.Meta.Status = "active"
	}
	return ix
}

func splitKV(item string) (key, val string) {
	idx := strings.Index(item, ": ")
	if idx < 0 {
		return item, ""
	}
	return item[:idx], item[idx+2:]
}

func parseHandoffLine(h *types.Handoff, item string) {
	key, val := splitKV(item)
	switch key {
	case "Reason":
		h.Reason = types.HandoffReason(val)
	case "Resume Command":
		h.ResumeCommand = val
	case "Summary":
		h.Summary = val
	case "Files Modified":
		h.FilesModified = splitList(val, ", ")
	case "Whats Done":
		h.WhatsDone = splitList(val, "; ")
	case "Whats Next":
		h.WhatsNext = splitList(val, "; ")
	case "Key Context":
		h.KeyContext = splitList(val, "; ")
	case "Created At":
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			h.CreatedAt = n
		}
	}
}

func splitList(val, sep string) []string {
	var out []string
	for _, s := range strings.Split(val, sep) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// pushRecentLearning prepends a learning line and trims the ring.
func (ix *Index) pushRecentLearning(line string) {
	ix.RecentLearnings = append([]string{line}, ix.RecentLearnings...)
	if len(ix.RecentLearnings) > maxRecentLearns {
		ix.RecentLearnings = ix.RecentLearnings[:maxRecentLearns]
	}
}

// pushArchive prepends an archive entry and trims the ring.
func (ix *Index) pushArchive(entry ArchiveEntry) {
	ix.Archive = append([]ArchiveEntry{entry}, ix.Archive...)
	if len(ix.Archive) > maxArchiveRing {
		ix.Archive = ix.Archive[:maxArchiveRing]
	}
}
