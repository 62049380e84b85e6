// Package ui renders the CLI's status views: the active epic, its tasks,
// pending checkpoints and recent learnings as column-aligned tables.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/opencode-core/orchd/internal/ledger"
	"github.com/opencode-core/orchd/internal/types"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

var statusColor = map[types.TaskStatus]string{
	types.TaskPending:   ansiDim,
	types.TaskRunning:   ansiYellow,
	types.TaskCompleted: ansiGreen,
	types.TaskFailed:    ansiRed,
	types.TaskTimeout:   ansiRed,
}

// Colors globally disables ANSI when false (piped output).
var Colors = true

func paint(color, s string) string {
	if !Colors {
		return s
	}
	return color + s + ansiReset
}

// clip bounds s to n display cells, appending an ellipsis when cut.
func clip(s string, n int) string {
	if runewidth.StringWidth(s) <= n {
		return s
	}
	return runewidth.Truncate(s, n-1, "…")
}

// pad right-fills s to n display cells, ignoring ANSI codes (CJK-aware).
func pad(s string, n int) string {
	return s + strings.Repeat(" ", max(0, n-runewidth.StringWidth(stripANSI(s))))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// table renders rows with header, sizing each column to its widest cell.
func table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(stripANSI(cell)))
			}
		}
	}
	var cells []string
	for i, h := range header {
		cells = append(cells, pad(h, widths[i]))
	}
	fmt.Fprintln(w, paint(ansiBold, strings.TrimRight(strings.Join(cells, "  "), " ")))
	for _, row := range rows {
		cells = cells[:0]
		for i, cell := range row {
			cells = append(cells, pad(cell, widths[i]))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

// stripANSI removes escape sequences for width measurement.
func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start < 0 {
			return s
		}
		end := strings.IndexByte(s[start:], 'm')
		if end < 0 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

// RenderStatus writes the full status view: index header, task table,
// pending checkpoints and recent learnings.
func RenderStatus(w io.Writer, snap ledger.Snapshot, tasks []types.RegistryTask, checkpoints []types.Checkpoint) {
	ix := snap.Index
	if ix == nil {
		ix = &ledger.Index{}
	}
	fmt.Fprintf(w, "%s  phase=%s  status=%s\n",
		paint(ansiBold, "orchestration ledger"), ix.Meta.Phase, ix.Meta.Status)

	if snap.Epic == nil {
		fmt.Fprintln(w, paint(ansiDim, "no active epic"))
	} else {
		epic := snap.Epic
		fmt.Fprintf(w, "\n%s %s — %s (%s)\n",
			paint(ansiCyan, "epic"), epic.ID, clip(epic.Title, 60), epic.Status)
		if len(epic.Tasks) > 0 {
			rows := make([][]string, 0, len(epic.Tasks))
			for _, t := range epic.Tasks {
				rows = append(rows, []string{
					t.ID,
					clip(t.Title, 40),
					t.Agent,
					paint(statusColor[t.Status], string(t.Status)),
					string(t.Outcome),
				})
			}
			fmt.Fprintln(w)
			table(w, []string{"TASK", "TITLE", "AGENT", "STATUS", "OUTCOME"}, rows)
		}
	}

	if len(tasks) > 0 {
		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			rows = append(rows, []string{
				t.ID,
				t.SessionID,
				paint(statusColor[t.Status], string(t.Status)),
				fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
				sinceMs(t.LastHeartbeat),
			})
		}
		fmt.Fprintf(w, "\n%s\n", paint(ansiBold, "runtime tasks"))
		table(w, []string{"TASK", "SESSION", "STATUS", "RETRIES", "HEARTBEAT"}, rows)
	}

	if len(checkpoints) > 0 {
		fmt.Fprintf(w, "\n%s\n", paint(ansiYellow, "pending checkpoints"))
		for _, c := range checkpoints {
			fmt.Fprintf(w, "  %s  %s (requested by %s, expires %s)\n",
				c.ID, clip(c.DecisionPoint, 50), c.RequestedBy, sinceMs(c.ExpiresAt))
			for _, opt := range c.Options {
				fmt.Fprintf(w, "    - %s: %s\n", opt.ID, opt.Label)
			}
		}
	}

	if len(ix.RecentLearnings) > 0 {
		fmt.Fprintf(w, "\n%s\n", paint(ansiBold, "recent learnings"))
		for _, l := range ix.RecentLearnings {
			fmt.Fprintf(w, "  %s\n", clip(l, 76))
		}
	}

	if ix.Handoff != nil {
		fmt.Fprintf(w, "\n%s resume with: %s\n",
			paint(ansiGreen, "handoff pending —"), ix.Handoff.ResumeCommand)
	}
}

// sinceMs renders a unix-ms timestamp relative to now ("42s ago" / "in 3m").
func sinceMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	d := time.Since(time.UnixMilli(ms)).Round(time.Second)
	if d >= 0 {
		return fmt.Sprintf("%s ago", d)
	}
	return fmt.Sprintf("in %s", -d)
}
