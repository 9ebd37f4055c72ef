package enrichment

import (
	"context"
	"fmt"
	"strings"

	"intake/internal/task"
)

var (
	highKeywords = []string{"urgent", "critical", "immediately", "asap"}
	lowKeywords  = []string{"minor", "cosmetic", "eventually", "when possible"}

	projectKeywords = []struct{ keyword, project string }{
		{"slack", "slack-integration"},
		{"github", "github-tools"},
	}
)

// Heuristic is the deterministic keyword-based gateway. It never fails.
type Heuristic struct {
	defaultProject string
}

// NewHeuristic returns a heuristic that falls back to defaultProject.
func NewHeuristic(defaultProject string) *Heuristic {
	if strings.TrimSpace(defaultProject) == "" {
		defaultProject = DefaultProject
	}
	return &Heuristic{defaultProject: defaultProject}
}

// Enhance implements Gateway.
func (h *Heuristic) Enhance(_ context.Context, description string) (Result, error) {
	return h.Fallback(description, ""), nil
}

// Fallback enriches description with keyword rules. A non-blank project
// supplied by the caller is kept as is.
func (h *Heuristic) Fallback(description, project string) Result {
	project = h.Project(description, project)

	var enhanced string
	if len(strings.Fields(description)) > 5 {
		enhanced = fmt.Sprintf("Enhanced: %s\n\nThis task involves working with the %s system.", description, project)
	} else {
		enhanced = fmt.Sprintf("Task: %s\n\nThis requires attention to detail and careful implementation.", description)
	}

	return Result{Enhanced: enhanced, Priority: Classify(description), Project: project}
}

// Project returns hint when set, otherwise routes description to a project
// by keyword, otherwise the default project.
func (h *Heuristic) Project(description, hint string) string {
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint
	}
	lower := strings.ToLower(description)
	for _, pk := range projectKeywords {
		if strings.Contains(lower, pk.keyword) {
			return pk.project
		}
	}
	return h.defaultProject
}

// Classify assigns a priority from keywords. High keywords win over low.
func Classify(description string) task.Priority {
	lower := strings.ToLower(description)
	if containsAny(lower, highKeywords) {
		return task.PriorityHigh
	}
	if containsAny(lower, lowKeywords) {
		return task.PriorityLow
	}
	return task.PriorityMedium
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
