// Package guard enforces the protected-agent policy: a closed list of
// agents only chief-of-staff (or the root user) may invoke. All functions
// are pure; a denial never has side effects.
package guard

import (
	"fmt"
	"strings"
)

// chiefOfStaff is the privileged caller identity.
const chiefOfStaff = "chief-of-staff"

// Decision is the typed result of an access check. Reason and Suggestion are
// only set on denial.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Guard evaluates caller → target pairs against a protected-agent list.
type Guard struct {
	protected []string
}

// New creates a Guard over the given protected-agent list.
func New(protected []string) *Guard {
	return &Guard{protected: protected}
}

// IsChiefOfStaff reports whether caller is the privileged identity. The
// empty string is the root user and counts as chief-of-staff.
//
// Expectations:
//   - Returns true for "chief-of-staff"
//   - Returns true for any name containing "chief-of-staff/" (internal hierarchy)
//   - Returns true for "" (root user)
//   - Returns false for everything else
func IsChiefOfStaff(caller string) bool {
	return caller == chiefOfStaff ||
		strings.Contains(caller, chiefOfStaff+"/") ||
		caller == ""
}

// IsInternalHierarchy reports whether name sits under the chief-of-staff
// namespace (e.g. "chief-of-staff/oracle").
func IsInternalHierarchy(name string) bool {
	return strings.Contains(name, chiefOfStaff+"/")
}

// IsProtectedAgent reports whether name is on the protected list, either
// exactly or as the final path segment of a hierarchical name.
//
// Expectations:
//   - Returns true for an exact protected name ("oracle")
//   - Returns true for a hierarchical name ending in "/<protected>" ("chief-of-staff/oracle")
//   - Returns false for unlisted names
func (g *Guard) IsProtectedAgent(name string) bool {
	for _, p := range g.protected {
		if name == p || strings.HasSuffix(name, "/"+p) {
			return true
		}
	}
	return false
}

// CanCallAgent decides whether caller may invoke target. isCustomSkill marks
// invocations arriving through the custom-skill surface, which is held to
// the same protection rule as the internal hierarchy.
//
// Expectations:
//   - Chief-of-staff (including "" and chief-of-staff/* callers) is always allowed
//   - A protected target reached via custom skill or internal hierarchy is denied
//     with a reason naming the target and a suggestion to delegate
//   - Everything else is allowed
//   - Deterministic: same inputs always produce the same Decision
func (g *Guard) CanCallAgent(caller, target string, isCustomSkill bool) Decision {
	if IsChiefOfStaff(caller) {
		return Decision{Allowed: true}
	}
	if (isCustomSkill || IsInternalHierarchy(target)) && g.IsProtectedAgent(target) {
		short := target
		if i := strings.LastIndex(short, "/"); i >= 0 {
			short = short[i+1:]
		}
		return Decision{
			Allowed:    false,
			Reason:     fmt.Sprintf("The %s agent only responds to chief-of-staff.", short),
			Suggestion: fmt.Sprintf("Delegate through chief-of-staff: ask chief-of-staff to run %s for you.", short),
		}
	}
	return Decision{Allowed: true}
}

// ResolveAgent picks the agent to dispatch to from the available candidates.
// Priority order: an explicit skill name outranks an exact match, which
// outranks a chief-of-staff/-prefixed variant.
//
// Expectations:
//   - Returns skillName when it is non-empty and present in candidates
//   - Returns requested when present in candidates
//   - Returns "chief-of-staff/<requested>" when that variant is a candidate
//   - Returns "" when nothing matches
func ResolveAgent(requested, skillName string, candidates []string) string {
	has := func(name string) bool {
		for _, c := range candidates {
			if c == name {
				return true
			}
		}
		return false
	}
	if skillName != "" && has(skillName) {
		return skillName
	}
	if has(requested) {
		return requested
	}
	if prefixed := chiefOfStaff + "/" + requested; has(prefixed) {
		return prefixed
	}
	return ""
}
