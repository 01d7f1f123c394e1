package ace

import (
	"context"
	"log/slog"
)

// growRefineThreshold is the bullet count past which the learning loop
// runs dedup and harmful-pruning.
const growRefineThreshold = 50

// Learner runs the post-turn learning loop: reflect, curate, apply
// feedback, apply the delta, and refine when the playbook has grown.
type Learner struct {
	playbook  *Playbook
	reflector *Reflector
	curator   *Curator
	logger    *slog.Logger
}

// NewLearner wires the learning loop.
func NewLearner(playbook *Playbook, reflector *Reflector, curator *Curator, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{
		playbook:  playbook,
		reflector: reflector,
		curator:   curator,
		logger:    logger.With("component", "learner"),
	}
}

// Learn processes one finished turn. It never returns an error: learning
// must not disturb the session that triggered it.
func (l *Learner) Learn(ctx context.Context, task, trajectory, outcome string, usedBulletIDs []string) {
	reflection := l.reflector.Reflect(ctx, task, trajectory, outcome, "", usedBulletIDs, 0)

	if len(reflection.BulletFeedback) > 0 {
		l.playbook.ApplyFeedback(ctx, reflection.BulletFeedback)
	}

	ops := l.curator.Curate(ctx, task, reflection)
	if len(ops) > 0 {
		l.curator.ApplyDelta(ctx, ops)
		l.logger.Info("playbook updated", "operations", len(ops), "bullets", l.playbook.Len())
	}

	if l.playbook.Len() > growRefineThreshold {
		removed, updated := l.playbook.Dedup(ctx)
		pruned := l.playbook.PruneHarmful(ctx, 0)
		l.logger.Info("playbook refined",
			"deduped", len(removed), "merged_into", len(updated), "pruned", len(pruned))
	}
}
