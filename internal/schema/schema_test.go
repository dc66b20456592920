package schema

import (
	"errors"
	"testing"
)

func TestExtractJSON_FencedJSONBlock(t *testing.T) {
	text := "Here is my analysis:\n```json\n{\"analysis\": \"ok\"}\n```\nHope that helps!"
	if got := ExtractJSON(text); got != `{"analysis": "ok"}` {
		t.Fatalf("extracted %q", got)
	}
}

func TestExtractJSON_GenericFence(t *testing.T) {
	text := "```\n{\"critique\": \"weak\", \"score\": 4}\n```"
	if got := ExtractJSON(text); got != `{"critique": "weak", "score": 4}` {
		t.Fatalf("extracted %q", got)
	}
}

func TestExtractJSON_WholeBody(t *testing.T) {
	text := `  {"summary": "done"}  `
	if got := ExtractJSON(text); got != `{"summary": "done"}` {
		t.Fatalf("extracted %q", got)
	}
}

func TestExtractJSON_EmbeddedObject(t *testing.T) {
	text := `Sure! The result is {"analysis": "embedded {braces} in string"} as requested.`
	if got := ExtractJSON(text); got != `{"analysis": "embedded {braces} in string"}` {
		t.Fatalf("extracted %q", got)
	}
}

func TestExtractJSON_NestedBraces(t *testing.T) {
	text := `prefix {"outer": {"inner": 1}} suffix`
	if got := ExtractJSON(text); got != `{"outer": {"inner": 1}}` {
		t.Fatalf("extracted %q", got)
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	if got := ExtractJSON("just prose, no structure here"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestParseAnalysis_Valid(t *testing.T) {
	p, err := ParseAnalysis(`{"analysis": "solid", "confidence": 0.75, "risks": ["lock-in"]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Analysis != "solid" {
		t.Fatalf("analysis = %q", p.Analysis)
	}
	if p.Confidence == nil || *p.Confidence != 0.75 {
		t.Fatalf("confidence = %v", p.Confidence)
	}
	if len(p.Risks) != 1 {
		t.Fatalf("risks = %v", p.Risks)
	}
}

func TestParseAnalysis_MissingRequired(t *testing.T) {
	_, err := ParseAnalysis(`{"confidence": 0.5}`)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Phase != PhaseAnalyze {
		t.Fatalf("phase = %q", perr.Phase)
	}
}

func TestParseAnalysis_ConfidenceOutOfRange(t *testing.T) {
	if _, err := ParseAnalysis(`{"analysis": "x", "confidence": 1.5}`); err == nil {
		t.Fatal("expected validation error for confidence > 1")
	}
}

func TestParseAnalysis_RawPreserved(t *testing.T) {
	raw := "I could not produce JSON, sorry."
	_, err := ParseAnalysis(raw)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Raw != raw {
		t.Fatalf("raw not preserved: %q", perr.Raw)
	}
}

func TestParseCritique_Valid(t *testing.T) {
	p, err := ParseCritique(`{"critique": "ignores cost", "score": 6, "weaknesses": ["cost"]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Score != 6 {
		t.Fatalf("score = %v", p.Score)
	}
}

func TestParseCritique_ScoreOutOfRange(t *testing.T) {
	if _, err := ParseCritique(`{"critique": "x", "score": 11}`); err == nil {
		t.Fatal("expected validation error for score > 10")
	}
	if _, err := ParseCritique(`{"critique": "x", "score": -1}`); err == nil {
		t.Fatal("expected validation error for score < 0")
	}
}

func TestParseCritique_MissingScore(t *testing.T) {
	if _, err := ParseCritique(`{"critique": "no score"}`); err == nil {
		t.Fatal("expected validation error for missing score")
	}
}

func TestParseSynthesis_Valid(t *testing.T) {
	p, err := ParseSynthesis(`{
		"summary": "converged",
		"consensus_level": 0.88,
		"conclusions": [{"statement": "proceed", "probability": 0.9, "falsification_condition": "costs double"}],
		"dissenting_opinions": ["formalist prefers delay"]
	}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ConsensusLevel == nil || *p.ConsensusLevel != 0.88 {
		t.Fatalf("consensus = %v", p.ConsensusLevel)
	}
	if len(p.Conclusions) != 1 || p.Conclusions[0].FalsificationCondition == "" {
		t.Fatalf("conclusions = %+v", p.Conclusions)
	}
	if len(p.DissentingOpinions) != 1 {
		t.Fatalf("dissent = %v", p.DissentingOpinions)
	}
}

func TestParseSynthesis_ConclusionMissingProbability(t *testing.T) {
	raw := `{"summary": "x", "conclusions": [{"statement": "no probability"}]}`
	if _, err := ParseSynthesis(raw); err == nil {
		t.Fatal("expected validation error for conclusion without probability")
	}
}

func TestParseSynthesis_OptionalConsensus(t *testing.T) {
	p, err := ParseSynthesis(`{"summary": "minimal"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ConsensusLevel != nil {
		t.Fatalf("expected nil consensus when absent, got %v", *p.ConsensusLevel)
	}
}

func TestJSONReturnsSchemas(t *testing.T) {
	for _, phase := range []Phase{PhaseAnalyze, PhaseCritique, PhaseSynthesize} {
		if JSON(phase) == "" {
			t.Fatalf("no schema for phase %q", phase)
		}
	}
}
