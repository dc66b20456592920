// Package schema validates structured model output for each deliberation
// phase. Raw model text is scanned for a JSON payload, validated against
// the phase's JSON Schema, and decoded into a typed record.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Phase names a deliberation step with its own output schema.
type Phase string

const (
	PhaseAnalyze    Phase = "analyze"
	PhaseCritique   Phase = "critique"
	PhaseSynthesize Phase = "synthesize"
)

// AnalysisPayload is the validated output of an analyze call.
type AnalysisPayload struct {
	Analysis    string   `json:"analysis"`
	Confidence  *float64 `json:"confidence,omitempty"`
	KeyPoints   []string `json:"key_points,omitempty"`
	Risks       []string `json:"risks,omitempty"`
	Assumptions []string `json:"assumptions,omitempty"`
}

// CritiquePayload is the validated output of a critique call.
type CritiquePayload struct {
	Critique    string   `json:"critique"`
	Score       float64  `json:"score"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
	Strengths   []string `json:"strengths,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Conclusion is one probabilistic conclusion inside a synthesis.
type Conclusion struct {
	Statement              string  `json:"statement"`
	Probability            float64 `json:"probability"`
	FalsificationCondition string  `json:"falsification_condition,omitempty"`
}

// SynthesisPayload is the validated output of a synthesize call.
type SynthesisPayload struct {
	Summary            string       `json:"summary"`
	Conclusions        []Conclusion `json:"conclusions,omitempty"`
	Recommendations    []string     `json:"recommendations,omitempty"`
	FormalizedResult   string       `json:"formalized_result,omitempty"`
	ConsensusLevel     *float64     `json:"consensus_level,omitempty"`
	DissentingOpinions []string     `json:"dissenting_opinions,omitempty"`
}

// ParseError reports that model output could not be turned into a valid
// phase record. Raw carries the offending text for reprompting.
type ParseError struct {
	Phase Phase
	Msg   string
	Raw   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s output invalid: %s", e.Phase, e.Msg)
}

const analyzeSchemaJSON = `{
  "type": "object",
  "required": ["analysis"],
  "properties": {
    "analysis": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "key_points": {"type": "array", "items": {"type": "string"}},
    "risks": {"type": "array", "items": {"type": "string"}},
    "assumptions": {"type": "array", "items": {"type": "string"}}
  }
}`

const critiqueSchemaJSON = `{
  "type": "object",
  "required": ["critique", "score"],
  "properties": {
    "critique": {"type": "string", "minLength": 1},
    "score": {"type": "number", "minimum": 0, "maximum": 10},
    "weaknesses": {"type": "array", "items": {"type": "string"}},
    "strengths": {"type": "array", "items": {"type": "string"}},
    "suggestions": {"type": "array", "items": {"type": "string"}}
  }
}`

const synthesizeSchemaJSON = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "conclusions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["statement", "probability"],
        "properties": {
          "statement": {"type": "string", "minLength": 1},
          "probability": {"type": "number", "minimum": 0, "maximum": 1},
          "falsification_condition": {"type": "string"}
        }
      }
    },
    "recommendations": {"type": "array", "items": {"type": "string"}},
    "formalized_result": {"type": "string"},
    "consensus_level": {"type": "number", "minimum": 0, "maximum": 1},
    "dissenting_opinions": {"type": "array", "items": {"type": "string"}}
  }
}`

var phaseSchemaJSON = map[Phase]string{
	PhaseAnalyze:    analyzeSchemaJSON,
	PhaseCritique:   critiqueSchemaJSON,
	PhaseSynthesize: synthesizeSchemaJSON,
}

var compiled = map[Phase]*jsonschema.Schema{}

func init() {
	for phase, raw := range phaseSchemaJSON {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("schema: unmarshal %s schema: %v", phase, err))
		}
		c := jsonschema.NewCompiler()
		name := string(phase) + ".json"
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("schema: add %s resource: %v", phase, err))
		}
		s, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("schema: compile %s: %v", phase, err))
		}
		compiled[phase] = s
	}
}

// JSON returns the raw JSON Schema for a phase, for reprompt suffixes.
func JSON(phase Phase) string {
	return phaseSchemaJSON[phase]
}

// validate extracts a JSON payload from raw text and checks it against
// the phase schema. Returns the extracted JSON string.
func validate(phase Phase, raw string) (string, error) {
	jsonStr := ExtractJSON(raw)
	if jsonStr == "" {
		return "", &ParseError{Phase: phase, Msg: "no JSON found in output", Raw: raw}
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires for exact bound checks.
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return "", &ParseError{Phase: phase, Msg: fmt.Sprintf("invalid JSON: %v", err), Raw: raw}
	}
	if err := compiled[phase].Validate(instance); err != nil {
		return "", &ParseError{Phase: phase, Msg: fmt.Sprintf("schema validation failed: %v", err), Raw: raw}
	}
	return jsonStr, nil
}

// ParseAnalysis validates and decodes analyze-phase output.
func ParseAnalysis(raw string) (*AnalysisPayload, error) {
	jsonStr, err := validate(PhaseAnalyze, raw)
	if err != nil {
		return nil, err
	}
	var p AnalysisPayload
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return nil, &ParseError{Phase: PhaseAnalyze, Msg: fmt.Sprintf("decode: %v", err), Raw: raw}
	}
	return &p, nil
}

// ParseCritique validates and decodes critique-phase output.
func ParseCritique(raw string) (*CritiquePayload, error) {
	jsonStr, err := validate(PhaseCritique, raw)
	if err != nil {
		return nil, err
	}
	var p CritiquePayload
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return nil, &ParseError{Phase: PhaseCritique, Msg: fmt.Sprintf("decode: %v", err), Raw: raw}
	}
	return &p, nil
}

// ParseSynthesis validates and decodes synthesize-phase output.
func ParseSynthesis(raw string) (*SynthesisPayload, error) {
	jsonStr, err := validate(PhaseSynthesize, raw)
	if err != nil {
		return nil, err
	}
	var p SynthesisPayload
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return nil, &ParseError{Phase: PhaseSynthesize, Msg: fmt.Sprintf("decode: %v", err), Raw: raw}
	}
	return &p, nil
}
