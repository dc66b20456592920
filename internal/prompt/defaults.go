package prompt

// Prompt types resolvable per agent. TypeUserTemplate is the analysis
// prompt; the wire name matches the prompt_type column domain.
const (
	TypeSystem       = "system"
	TypeUserTemplate = "user_template"
	TypeCritique     = "critique"
	TypeSynthesis    = "synthesis"
)

// jsonOnly is appended to every phase prompt so models answer in the
// machine-readable shape the parser expects.
const jsonOnly = "Respond with a single JSON object and nothing else. No markdown fences, no prose outside the object."

const analysisShape = `Return JSON with fields:
  "analysis" (string, required): your full analysis,
  "confidence" (number 0-1): how confident you are,
  "key_points" (array of strings),
  "risks" (array of strings),
  "assumptions" (array of strings).`

const critiqueShape = `Return JSON with fields:
  "critique" (string, required): your assessment of the target analysis,
  "score" (number 0-10, required): overall quality of the target analysis,
  "weaknesses" (array of strings),
  "strengths" (array of strings),
  "suggestions" (array of strings).`

const synthesisShape = `Return JSON with fields:
  "summary" (string, required): the integrated position,
  "conclusions" (array of {"statement", "probability" 0-1, "falsification_condition"}),
  "recommendations" (array of strings),
  "formalized_result" (string): formal restatement where applicable,
  "consensus_level" (number 0-1): how much the panel agrees,
  "dissenting_opinions" (array of strings): positions the synthesis does not absorb.`

// systemPrompts holds the built-in persona per agent.
var systemPrompts = map[string]string{
	"logician": "You are a logical analyst. You decompose problems into premises and " +
		"inferences, expose hidden assumptions, and flag reasoning that does not follow. " +
		"You value validity over persuasiveness and say so when evidence is insufficient.",
	"architect": "You are a systems architect. You think in components, interfaces, " +
		"failure modes, and second-order effects. You weigh trade-offs explicitly and " +
		"prefer designs that degrade gracefully under the assumptions being wrong.",
	"explorer": "You are an alternatives generator. You look for framings, options, and " +
		"edge cases the obvious approach misses. You challenge the premise of the question " +
		"before answering it and always offer at least one unconventional path.",
	"formalist": "You are a formal analyst. You restate claims precisely, quantify where " +
		"possible, and check boundary conditions. Vague language is a defect; you replace " +
		"it with testable statements.",
}

// taskFocus adds per-task-type emphasis to the system prompt.
var taskFocus = map[string]string{
	"strategy":    "Focus on long-horizon consequences, competitive dynamics, and reversibility of decisions.",
	"research":    "Focus on evidence quality, methodology, and what additional data would change the conclusion.",
	"investment":  "Focus on expected value, downside exposure, and the base rates for this class of decision.",
	"development": "Focus on implementation feasibility, maintenance cost, and failure modes in production.",
	"audit":       "Focus on compliance gaps, control weaknesses, and claims that lack supporting evidence.",
}

const defaultAnalysis = `Task ({task_type}):
{task}

Additional context:
{context}

Analyze this task from your perspective. ` + analysisShape + "\n" + jsonOnly

const defaultAnalysisRefine = `Task ({task_type}):
{task}

Additional context:
{context}

The panel's previous synthesis:
{previous_synthesis}

Critiques your earlier analysis received:
{critiques_received}

Refine your analysis: address the critiques you accept, defend the points you stand by. ` +
	analysisShape + "\n" + jsonOnly

const defaultCritique = `Task ({task_type}):
{task}

Analysis by {target_agent}:
{other_analyses}

Critique this analysis adversarially: find what is weak, missing, or wrong before noting what holds up. ` +
	critiqueShape + "\n" + jsonOnly

const defaultSynthesis = `Task ({task_type}):
{task}

Panel analyses:
{other_analyses}

Cross-critiques:
{critiques_received}

Integrate the panel's positions into one answer. Weigh each analysis by how well it survived critique. ` +
	synthesisShape + "\n" + jsonOnly

// builtins maps agent id → prompt type → template. The phase templates
// are shared; only the system persona differs per agent.
func builtins(agentID, promptType string) (string, bool) {
	switch promptType {
	case TypeSystem:
		p, ok := systemPrompts[agentID]
		return p, ok
	case TypeUserTemplate:
		return defaultAnalysis, true
	case TypeCritique:
		return defaultCritique, true
	case TypeSynthesis:
		return defaultSynthesis, true
	}
	return "", false
}
