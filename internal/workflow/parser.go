// Package workflow parses declarative markdown workflow documents and drives
// their phased, checkpoint-aware execution against the agent runtime. A
// workflow pauses at checkpoint steps and resumes when the checkpoint is
// approved; the cursor persists in the ledger between processes.
package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is one parsed workflow document.
type Definition struct {
	Name       string   `yaml:"name"`
	Trigger    []string `yaml:"trigger"`
	EntryAgent string   `yaml:"entry_agent"`
	Phases     []Phase  `yaml:"-"`
}

// Phase is a named group of sequential steps.
type Phase struct {
	Name  string
	Steps []Step
}

// Step is one agent invocation.
type Step struct {
	Agent      string
	Prompt     string
	Wait       bool // block until the session goes idle and collect a result
	Checkpoint bool // pause for human approval before running this step
}

var phaseRe = regexp.MustCompile(`^## Phase \d+:\s*(.+)$`)

// Parse reads a workflow document: a ----delimited YAML frontmatter block
// (name, trigger, entry_agent) followed by "## Phase N: <name>" sections
// holding "- Agent:" step blocks with Prompt/Wait/Checkpoint sub-bullets.
func Parse(src string) (Definition, error) {
	front, body, err := splitFrontmatter(src)
	if err != nil {
		return Definition{}, err
	}
	var def Definition
	if err := yaml.Unmarshal([]byte(front), &def); err != nil {
		return Definition{}, fmt.Errorf("workflow: frontmatter: %w", err)
	}
	if def.Name == "" {
		return Definition{}, fmt.Errorf("workflow: frontmatter missing name")
	}

	var phase *Phase
	var step *Step
	flushStep := func() {
		if phase != nil && step != nil {
			phase.Steps = append(phase.Steps, *step)
		}
		step = nil
	}
	flushPhase := func() {
		flushStep()
		if phase != nil {
			def.Phases = append(def.Phases, *phase)
		}
		phase = nil
	}

	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)

		if m := phaseRe.FindStringSubmatch(trimmed); m != nil {
			flushPhase()
			phase = &Phase{Name: strings.TrimSpace(m[1])}
			continue
		}
		if phase == nil {
			continue
		}

		// an Agent bullet opens a step; the following bullets configure it
		key, val := bulletKV(trimmed)
		switch {
		case key == "Agent":
			flushStep()
			step = &Step{Agent: val}
		case step == nil:
			// stray sub-bullet outside a step, skip
		case key == "Prompt":
			step.Prompt = strings.Trim(val, `"`)
		case key == "Wait":
			step.Wait = val == "true"
		case key == "Checkpoint":
			step.Checkpoint = val == "true"
		}
	}
	flushPhase()

	if len(def.Phases) == 0 {
		return Definition{}, fmt.Errorf("workflow: %s has no phases", def.Name)
	}
	return def, nil
}

// splitFrontmatter separates the leading ----delimited YAML block from the
// markdown body.
func splitFrontmatter(src string) (front, body string, err error) {
	s := strings.TrimLeft(src, "\n")
	if !strings.HasPrefix(s, "---\n") {
		return "", "", fmt.Errorf("workflow: missing frontmatter delimiter")
	}
	rest := s[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("workflow: unterminated frontmatter")
	}
	front = rest[:end]
	body = rest[end+len("\n---"):]
	return front, body, nil
}

// bulletKV splits "- Key: value" into its parts; non-bullets return "".
func bulletKV(line string) (key, val string) {
	if !strings.HasPrefix(line, "- ") {
		return "", ""
	}
	item := strings.TrimPrefix(line, "- ")
	idx := strings.Index(item, ":")
	if idx < 0 {
		return "", ""
	}
	return strings.TrimSpace(item[:idx]), strings.TrimSpace(item[idx+1:])
}

// Matches reports whether the user's request hits one of the workflow's
// trigger words.
func (d Definition) Matches(request string) bool {
	lower := strings.ToLower(request)
	for _, t := range d.Trigger {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
