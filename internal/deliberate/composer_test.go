package deliberate

import (
	"strings"
	"testing"

	"github.com/basket/quorum/internal/store"
)

func TestAnalysesBlock_OrderAndMark(t *testing.T) {
	analyses := []store.AgentAnalysis{
		{AgentID: "formalist", Confidence: 0.9, AnalysisText: "proof sketch", KeyPoints: []string{"lemma holds"}},
		{AgentID: "architect", Confidence: 0.7, AnalysisText: "layered design"},
	}

	block := analysesBlock(analyses, "formalist")
	archIdx := strings.Index(block, "### architect")
	formIdx := strings.Index(block, "### formalist")
	if archIdx < 0 || formIdx < 0 || archIdx > formIdx {
		t.Fatalf("agents not in alphabetical order:\n%s", block)
	}
	if !strings.Contains(block, "### formalist [UNDER REVIEW]") {
		t.Fatalf("target not marked:\n%s", block)
	}
	if strings.Contains(block, "architect [UNDER REVIEW]") {
		t.Fatalf("non-target marked:\n%s", block)
	}
	if !strings.Contains(block, "Key points:\n- lemma holds") {
		t.Fatalf("key points missing:\n%s", block)
	}
	if !strings.Contains(block, "(confidence 0.70)") {
		t.Fatalf("confidence missing:\n%s", block)
	}
}

func TestCritiquesBlock_EmptyAndOrdered(t *testing.T) {
	if got := critiquesBlock(nil); got != "(no critiques)" {
		t.Fatalf("empty block = %q", got)
	}

	critiques := []store.Critique{
		{FromAgent: "logician", ToAgent: "explorer", Score: 6, CritiqueText: "untested claim"},
		{FromAgent: "explorer", ToAgent: "logician", Score: 8, CritiqueText: "too narrow"},
	}
	block := critiquesBlock(critiques)
	first := strings.Index(block, "### explorer on logician")
	second := strings.Index(block, "### logician on explorer")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("critiques not ordered by (from, to):\n%s", block)
	}
	if !strings.Contains(block, "(score 8.0/10)") {
		t.Fatalf("score missing:\n%s", block)
	}
}

func TestCritiquesFor(t *testing.T) {
	critiques := []store.Critique{
		{FromAgent: "a", ToAgent: "b"},
		{FromAgent: "b", ToAgent: "a"},
		{FromAgent: "c", ToAgent: "b"},
	}
	got := critiquesFor(critiques, "b")
	if len(got) != 2 {
		t.Fatalf("critiquesFor(b) = %d entries, want 2", len(got))
	}
	for _, c := range got {
		if c.ToAgent != "b" {
			t.Fatalf("filter leaked %+v", c)
		}
	}
}

func TestSynthesisBlock(t *testing.T) {
	if got := synthesisBlock(nil); got != "(none)" {
		t.Fatalf("nil synthesis = %q", got)
	}

	block := synthesisBlock(&store.Synthesis{
		Summary:        "panel leans toward adoption",
		ConsensusLevel: 0.72,
		Conclusions: []store.Conclusion{
			{Statement: "adopt incrementally", Probability: 0.8},
		},
		Recommendations:    []string{"pilot first"},
		DissentingOpinions: []string{"formalist wants more data"},
	})
	if !strings.Contains(block, "(consensus 0.72)") {
		t.Fatalf("consensus missing:\n%s", block)
	}
	if !strings.Contains(block, "- adopt incrementally (p=0.80)") {
		t.Fatalf("conclusion missing:\n%s", block)
	}
	if !strings.Contains(block, "Dissenting opinions:\n- formalist wants more data") {
		t.Fatalf("dissent missing:\n%s", block)
	}
}
