package ace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/coda/pkg/protocol"
)

// Reflection is the structured output of a reflection round. All five
// fields are required for the response to count as valid.
type Reflection struct {
	Reasoning           string `json:"reasoning"`
	ErrorIdentification string `json:"error_identification"`
	RootCauseAnalysis   string `json:"root_cause_analysis"`
	CorrectApproach     string `json:"correct_approach"`
	KeyInsight          string `json:"key_insight"`

	// BulletFeedback tags the bullets that were surfaced for the task.
	BulletFeedback []Feedback `json:"bullet_feedback,omitempty"`
}

func (r *Reflection) complete() bool {
	return r.Reasoning != "" && r.ErrorIdentification != "" &&
		r.RootCauseAnalysis != "" && r.CorrectApproach != "" && r.KeyInsight != ""
}

// defaultMaxRounds bounds reflection retries when the caller passes zero.
const defaultMaxRounds = 3

// Reflector turns a finished turn into a structured reflection by asking
// the LLM and nudging it until the JSON comes back well-formed.
type Reflector struct {
	llm    Completer
	logger *slog.Logger
}

// NewReflector creates a reflector.
func NewReflector(llm Completer, logger *slog.Logger) *Reflector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reflector{llm: llm, logger: logger.With("component", "reflector")}
}

// Reflect requests a reflection for a task's trajectory and outcome. On a
// malformed response the exchange so far plus a nudge is replayed, up to
// maxRounds attempts; exhaustion yields a filler reflection rather than an
// error.
func (r *Reflector) Reflect(ctx context.Context, task, trajectory, outcome, groundTruth string, usedBulletIDs []string, maxRounds int) *Reflection {
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	if r.llm == nil {
		return fillerReflection(outcome)
	}

	messages := []*protocol.Message{
		protocol.NewSystemMessage("You analyze completed coding tasks and respond with JSON only."),
		protocol.NewUserMessage(r.buildPrompt(task, trajectory, outcome, groundTruth, usedBulletIDs)),
	}

	for round := 0; round < maxRounds; round++ {
		response, err := completeText(ctx, r.llm, messages)
		if err != nil {
			r.logger.Warn("reflection request failed", "round", round+1, "error", err)
			return fillerReflection(outcome)
		}

		if reflection := parseReflection(response); reflection != nil {
			return reflection
		}

		r.logger.Debug("malformed reflection, retrying", "round", round+1)
		messages = append(messages,
			protocol.NewAssistantMessage(response, nil),
			protocol.NewUserMessage("That was not valid JSON with the required fields (reasoning, error_identification, root_cause_analysis, correct_approach, key_insight). Please return valid JSON."),
		)
	}

	r.logger.Warn("reflection rounds exhausted", "max_rounds", maxRounds)
	return fillerReflection(outcome)
}

func (r *Reflector) buildPrompt(task, trajectory, outcome, groundTruth string, usedBulletIDs []string) string {
	var sb strings.Builder
	sb.WriteString("Task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nTrajectory:\n")
	sb.WriteString(trajectory)
	sb.WriteString("\n\nOutcome:\n")
	sb.WriteString(outcome)
	if groundTruth != "" {
		sb.WriteString("\n\nGround truth:\n")
		sb.WriteString(groundTruth)
	}
	if len(usedBulletIDs) > 0 {
		sb.WriteString("\n\nPlaybook bullets surfaced for this task: ")
		sb.WriteString(strings.Join(usedBulletIDs, ", "))
		sb.WriteString("\nTag each as helpful, harmful, or neutral in bullet_feedback.")
	}
	sb.WriteString("\n\nRespond with JSON:\n")
	sb.WriteString(`{"reasoning": "...", "error_identification": "...", "root_cause_analysis": "...", "correct_approach": "...", "key_insight": "...", "bullet_feedback": [{"bullet_id": "...", "tag": "helpful|harmful|neutral"}]}`)
	return sb.String()
}

func parseReflection(response string) *Reflection {
	obj := extractJSONObject(response)
	if obj == "" {
		return nil
	}
	var reflection Reflection
	if err := json.Unmarshal([]byte(obj), &reflection); err != nil {
		return nil
	}
	if !reflection.complete() {
		return nil
	}
	return &reflection
}

// fillerReflection stands in when the model never produced valid JSON.
func fillerReflection(outcome string) *Reflection {
	return &Reflection{
		Reasoning:           fmt.Sprintf("The task completed with outcome: %s", outcome),
		ErrorIdentification: "No specific errors identified.",
		RootCauseAnalysis:   "No analysis available.",
		CorrectApproach:     "Continue with the current approach.",
		KeyInsight:          "No new insight from this task.",
	}
}
