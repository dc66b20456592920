package deliberate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/basket/quorum/internal/store"
)

// analysesBlock renders the panel's analyses in alphabetical agent
// order so synthesizer input is reproducible. When target is non-empty
// that agent's analysis is marked for the critic.
func analysesBlock(analyses []store.AgentAnalysis, target string) string {
	sorted := make([]store.AgentAnalysis, len(analyses))
	copy(sorted, analyses)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	var sb strings.Builder
	for _, a := range sorted {
		mark := ""
		if a.AgentID == target {
			mark = " [UNDER REVIEW]"
		}
		fmt.Fprintf(&sb, "### %s%s (confidence %.2f)\n%s\n", a.AgentID, mark, a.Confidence, a.AnalysisText)
		writeList(&sb, "Key points", a.KeyPoints)
		writeList(&sb, "Risks", a.Risks)
		writeList(&sb, "Assumptions", a.Assumptions)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// critiquesBlock renders all critiques of an iteration, ordered by
// (from, to).
func critiquesBlock(critiques []store.Critique) string {
	if len(critiques) == 0 {
		return "(no critiques)"
	}
	sorted := make([]store.Critique, len(critiques))
	copy(sorted, critiques)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].FromAgent != sorted[j].FromAgent {
			return sorted[i].FromAgent < sorted[j].FromAgent
		}
		return sorted[i].ToAgent < sorted[j].ToAgent
	})

	var sb strings.Builder
	for _, c := range sorted {
		fmt.Fprintf(&sb, "### %s on %s (score %.1f/10)\n%s\n", c.FromAgent, c.ToAgent, c.Score, c.CritiqueText)
		writeList(&sb, "Weaknesses", c.Weaknesses)
		writeList(&sb, "Strengths", c.Strengths)
		writeList(&sb, "Suggestions", c.Suggestions)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// critiquesFor filters critiques directed at one agent.
func critiquesFor(critiques []store.Critique, to string) []store.Critique {
	var out []store.Critique
	for _, c := range critiques {
		if c.ToAgent == to {
			out = append(out, c)
		}
	}
	return out
}

// synthesisBlock renders a synthesis as refinement context.
func synthesisBlock(s *store.Synthesis) string {
	if s == nil {
		return "(none)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n(consensus %.2f)\n", s.Summary, s.ConsensusLevel)
	for _, c := range s.Conclusions {
		fmt.Fprintf(&sb, "- %s (p=%.2f)\n", c.Statement, c.Probability)
	}
	writeList(&sb, "Recommendations", s.Recommendations)
	writeList(&sb, "Dissenting opinions", s.DissentingOpinions)
	return strings.TrimRight(sb.String(), "\n")
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(label + ":\n")
	for _, it := range items {
		sb.WriteString("- " + it + "\n")
	}
}
