package ace

import (
	"context"
	"fmt"
)

// RetrievedBullet is a bullet hit with its similarity score.
type RetrievedBullet struct {
	Bullet *Bullet `json:"bullet"`
	Score  float64 `json:"score"`
}

// RetrieveRelevantBullets runs a similarity search over the playbook's
// vector collection. Hits whose payload lacks the modern fields fall back
// to the legacy names, same as playbook loading.
func (p *Playbook) RetrieveRelevantBullets(ctx context.Context, query string, limit int, scoreThreshold float64) ([]RetrievedBullet, error) {
	if !p.mirrored() || limit <= 0 {
		return nil, nil
	}

	queryVec, err := p.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed bullet query: %w", err)
	}

	hits, err := p.vectors.Search(ctx, BulletCollection(p.moduleID), queryVec, limit, float32(scoreThreshold), nil)
	if err != nil {
		return nil, fmt.Errorf("search playbook: %w", err)
	}

	out := make([]RetrievedBullet, 0, len(hits))
	for _, hit := range hits {
		b := bulletFromPayload(hit.ID, hit.Payload)
		if b == nil {
			continue
		}
		// The in-memory copy has the freshest counters when present.
		if current, ok := p.GetBullet(b.ID); ok {
			b = current
		}
		out = append(out, RetrievedBullet{Bullet: b, Score: float64(hit.Score)})
	}
	return out, nil
}

// RenderRetrieved formats retrieved bullets for prompt injection.
func RenderRetrieved(bullets []RetrievedBullet) string {
	if len(bullets) == 0 {
		return ""
	}
	out := ""
	for _, rb := range bullets {
		out += fmt.Sprintf("- [%s] %s\n", rb.Bullet.ID, rb.Bullet.Content)
	}
	return out
}
