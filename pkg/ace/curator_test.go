package ace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/coda/pkg/llms"
	"github.com/kadirpekel/coda/pkg/protocol"
)

// scriptedLLM replays canned responses, one per Stream call.
type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Stream(_ context.Context, _ []*protocol.Message, _ []llms.ToolDefinition, _ *llms.StreamOptions) (<-chan llms.StreamEvent, error) {
	response := ""
	if s.calls < len(s.responses) {
		response = s.responses[s.calls]
	}
	s.calls++

	ch := make(chan llms.StreamEvent, 2)
	ch <- llms.StreamEvent{Type: llms.EventContent, Text: response}
	ch <- llms.StreamEvent{Type: llms.EventDone, Text: response}
	close(ch)
	return ch, nil
}

func TestExtractJSONObject(t *testing.T) {
	t.Run("bare object", func(t *testing.T) {
		assert.Equal(t, `{"a": 1}`, extractJSONObject(`{"a": 1}`))
	})
	t.Run("code fence", func(t *testing.T) {
		text := "Here you go:\n```json\n{\"operations\": []}\n```\nDone."
		assert.Equal(t, `{"operations": []}`, extractJSONObject(text))
	})
	t.Run("nested braces and strings", func(t *testing.T) {
		text := `prefix {"a": {"b": "close } brace"}} suffix`
		assert.Equal(t, `{"a": {"b": "close } brace"}}`, extractJSONObject(text))
	})
	t.Run("no object", func(t *testing.T) {
		assert.Equal(t, "", extractJSONObject("nothing here"))
	})
	t.Run("invalid then valid", func(t *testing.T) {
		text := `{broken} then {"ok": true}`
		assert.Equal(t, `{"ok": true}`, extractJSONObject(text))
	})
}

func TestCurateParsesOperations(t *testing.T) {
	p, _ := newTestPlaybook(t)
	llm := &scriptedLLM{responses: []string{
		"Sure thing!\n```json\n{\"operations\": [{\"type\": \"ADD\", \"section\": \"strategies\", \"content\": \"Run tests before committing\"}]}\n```",
	}}
	c := NewCurator(p, llm, nil)

	ops := c.Curate(context.Background(), "fix the build", &Reflection{
		Reasoning: "r", ErrorIdentification: "e", RootCauseAnalysis: "rc",
		CorrectApproach: "ca", KeyInsight: "ki",
	})
	require.Len(t, ops, 1)
	assert.Equal(t, DeltaAdd, ops[0].Type)
	assert.Equal(t, "Run tests before committing", ops[0].Content)
}

func TestCurateNeverErrors(t *testing.T) {
	p, _ := newTestPlaybook(t)

	assert.Nil(t, NewCurator(p, nil, nil).Curate(context.Background(), "t", &Reflection{}))

	llm := &scriptedLLM{responses: []string{"I cannot help with that."}}
	assert.Nil(t, NewCurator(p, llm, nil).Curate(context.Background(), "t", &Reflection{}))
}

func TestApplyDeltaSyncsVectorMirror(t *testing.T) {
	p, vectors := newTestPlaybook(t)
	c := NewCurator(p, nil, nil)
	ctx := context.Background()

	c.ApplyDelta(ctx, []DeltaOp{
		{Type: DeltaAdd, Section: SectionStrategies, Content: "first"},
		{Type: DeltaAdd, Section: SectionPitfalls, Content: "second"},
	})
	require.Equal(t, 2, p.Len())

	bullets := p.Bullets()
	c.ApplyDelta(ctx, []DeltaOp{
		{Type: DeltaUpdate, BulletID: bullets[0].ID, Content: "first, revised"},
		{Type: DeltaRemove, BulletID: bullets[1].ID},
		{Type: DeltaRemove, BulletID: "missing"},
	})

	// In-memory ids equal the collection's point ids.
	var memoryIDs []string
	for _, b := range p.Bullets() {
		memoryIDs = append(memoryIDs, b.ID)
	}
	assert.ElementsMatch(t, memoryIDs, vectors.pointIDs(BulletCollection("cli")))

	got, ok := p.GetBullet(bullets[0].ID)
	require.True(t, ok)
	assert.Equal(t, "first, revised", got.Content)
}

func TestReflectorValidFirstRound(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"reasoning": "r", "error_identification": "e", "root_cause_analysis": "rc", "correct_approach": "ca", "key_insight": "ki", "bullet_feedback": [{"bullet_id": "strat-1", "tag": "helpful"}]}`,
	}}
	r := NewReflector(llm, nil)

	reflection := r.Reflect(context.Background(), "task", "trajectory", "success", "", []string{"strat-1"}, 3)
	assert.Equal(t, "ki", reflection.KeyInsight)
	require.Len(t, reflection.BulletFeedback, 1)
	assert.Equal(t, FeedbackHelpful, reflection.BulletFeedback[0].Tag)
	assert.Equal(t, 1, llm.calls)
}

func TestReflectorNudgesThenSucceeds(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"sorry, no JSON for you",
		`{"reasoning": "r", "error_identification": "e", "root_cause_analysis": "rc", "correct_approach": "ca", "key_insight": "second try"}`,
	}}
	r := NewReflector(llm, nil)

	reflection := r.Reflect(context.Background(), "task", "trajectory", "failure", "", nil, 3)
	assert.Equal(t, "second try", reflection.KeyInsight)
	assert.Equal(t, 2, llm.calls)
}

func TestReflectorExhaustionReturnsFiller(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"nope", "still nope", `{"reasoning": "only one field"}`}}
	r := NewReflector(llm, nil)

	reflection := r.Reflect(context.Background(), "task", "trajectory", "partial", "", nil, 3)
	assert.Equal(t, 3, llm.calls)
	assert.Contains(t, reflection.Reasoning, "partial")
	assert.NotEmpty(t, reflection.KeyInsight)
}

func TestLearnerRefinesPastThreshold(t *testing.T) {
	p, _ := newTestPlaybook(t)
	ctx := context.Background()

	for i := 0; i < growRefineThreshold+5; i++ {
		_, err := p.AddBullet(ctx, &Bullet{Section: SectionDomain, Content: "duplicate guidance"})
		require.NoError(t, err)
	}
	require.Greater(t, p.Len(), growRefineThreshold)

	learner := NewLearner(p, NewReflector(nil, nil), NewCurator(p, nil, nil), nil)
	learner.Learn(ctx, "task", "trajectory", "done", nil)

	// All duplicates collapse into one survivor.
	assert.Equal(t, 1, p.Len())
}
