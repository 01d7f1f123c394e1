// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ace

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kadirpekel/coda/pkg/embedders"
	"github.com/kadirpekel/coda/pkg/vector"
)

// BulletCollection names the vector collection for a module's playbook.
func BulletCollection(moduleID string) string {
	return "ace_" + moduleID
}

// defaultPruneThreshold is the harmful count at which a bullet is removed.
const defaultPruneThreshold = 3

// scrollPageSize is the page size used when loading a playbook.
const scrollPageSize = 100

// Playbook holds a module's bullets in memory and mirrors every mutation
// into the vector collection when one is configured. All methods are safe
// for concurrent use.
type Playbook struct {
	moduleID string
	vectors  vector.Provider
	embedder embedders.Embedder
	logger   *slog.Logger

	mu       sync.RWMutex
	bullets  map[string]*Bullet
	sections map[string][]string
}

// NewPlaybook creates an empty playbook. The vector provider and embedder
// are optional; without them the playbook is memory-only.
func NewPlaybook(moduleID string, vectors vector.Provider, embedder embedders.Embedder, logger *slog.Logger) *Playbook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Playbook{
		moduleID: moduleID,
		vectors:  vectors,
		embedder: embedder,
		logger:   logger.With("component", "playbook", "module", moduleID),
		bullets:  make(map[string]*Bullet),
		sections: make(map[string][]string),
	}
}

// ModuleID returns the module this playbook belongs to.
func (p *Playbook) ModuleID() string { return p.moduleID }

// mirrored reports whether vector mirroring is configured.
func (p *Playbook) mirrored() bool {
	return p.vectors != nil && p.embedder != nil
}

// AddBullet inserts a bullet, generating a section-prefixed id when none
// is given. The mirror upsert happens outside the lock.
func (p *Playbook) AddBullet(ctx context.Context, b *Bullet) (*Bullet, error) {
	if strings.TrimSpace(b.Content) == "" {
		return nil, fmt.Errorf("bullet content is empty")
	}
	if !ValidSection(b.Section) {
		return nil, fmt.Errorf("unknown playbook section %q", b.Section)
	}
	if b.ID == "" {
		b.ID = NewBulletID(b.Section)
	}

	p.mu.Lock()
	if _, exists := p.bullets[b.ID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("bullet %s already exists", b.ID)
	}
	p.bullets[b.ID] = b
	p.sections[b.Section] = append(p.sections[b.Section], b.ID)
	p.mu.Unlock()

	p.mirror(ctx, b)
	return b, nil
}

// UpdateBullet applies a partial update: empty content keeps the old text,
// and a zero section keeps the old section.
func (p *Playbook) UpdateBullet(ctx context.Context, id, content, section string) (*Bullet, error) {
	p.mu.Lock()
	b, ok := p.bullets[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("bullet %s not found", id)
	}
	if content != "" {
		b.Content = content
	}
	if section != "" && section != b.Section {
		if !ValidSection(section) {
			p.mu.Unlock()
			return nil, fmt.Errorf("unknown playbook section %q", section)
		}
		p.sections[b.Section] = removeID(p.sections[b.Section], id)
		b.Section = section
		p.sections[section] = append(p.sections[section], id)
	}
	p.mu.Unlock()

	p.mirror(ctx, b)
	return b, nil
}

// RemoveBullet deletes a bullet from memory and the mirror.
func (p *Playbook) RemoveBullet(ctx context.Context, id string) error {
	p.mu.Lock()
	b, ok := p.bullets[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("bullet %s not found", id)
	}
	delete(p.bullets, id)
	p.sections[b.Section] = removeID(p.sections[b.Section], id)
	p.mu.Unlock()

	if p.mirrored() {
		if err := p.vectors.DeletePoints(ctx, BulletCollection(p.moduleID), []string{id}); err != nil {
			p.logger.Warn("failed to delete bullet point", "bullet", id, "error", err)
		}
	}
	return nil
}

// MarkHelpful increments a bullet's helpful counter.
func (p *Playbook) MarkHelpful(ctx context.Context, id string) error {
	return p.bumpCounter(ctx, id, 1, 0)
}

// MarkHarmful increments a bullet's harmful counter.
func (p *Playbook) MarkHarmful(ctx context.Context, id string) error {
	return p.bumpCounter(ctx, id, 0, 1)
}

func (p *Playbook) bumpCounter(ctx context.Context, id string, helpful, harmful int) error {
	p.mu.Lock()
	b, ok := p.bullets[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("bullet %s not found", id)
	}
	b.HelpfulCount += helpful
	b.HarmfulCount += harmful
	p.mu.Unlock()

	p.mirror(ctx, b)
	return nil
}

// ApplyFeedback applies a feedback list. Neutral tags are a no-op; unknown
// bullet ids are skipped with a warning since the bullet may have been
// pruned since the turn that used it.
func (p *Playbook) ApplyFeedback(ctx context.Context, feedback []Feedback) {
	for _, fb := range feedback {
		var err error
		switch fb.Tag {
		case FeedbackHelpful:
			err = p.MarkHelpful(ctx, fb.BulletID)
		case FeedbackHarmful:
			err = p.MarkHarmful(ctx, fb.BulletID)
		case FeedbackNeutral:
			continue
		default:
			p.logger.Warn("unknown feedback tag", "tag", fb.Tag, "bullet", fb.BulletID)
			continue
		}
		if err != nil {
			p.logger.Warn("feedback skipped", "bullet", fb.BulletID, "error", err)
		}
	}
}

// GetBullet returns a copy of a bullet.
func (p *Playbook) GetBullet(id string) (*Bullet, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.bullets[id]
	if !ok {
		return nil, false
	}
	clone := *b
	return &clone, true
}

// Bullets returns copies of all bullets in section order.
func (p *Playbook) Bullets() []*Bullet {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Bullet
	for _, section := range Sections {
		for _, id := range p.sections[section] {
			if b, ok := p.bullets[id]; ok {
				clone := *b
				out = append(out, &clone)
			}
		}
	}
	return out
}

// Len returns the bullet count.
func (p *Playbook) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bullets)
}

// Render formats the playbook for prompt embedding, one headered section
// at a time. Empty sections are omitted.
func (p *Playbook) Render() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var sb strings.Builder
	for _, section := range Sections {
		ids := p.sections[section]
		if len(ids) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n", section)
		for _, id := range ids {
			if b, ok := p.bullets[id]; ok {
				fmt.Fprintf(&sb, "- [%s] %s\n", b.ID, b.Content)
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Dedup removes bullets whose trimmed, case-folded content collides with
// an earlier bullet, folding the removed bullet's counters into the
// survivor. Applying it twice is a no-op the second time.
func (p *Playbook) Dedup(ctx context.Context) (removedIDs, updatedIDs []string) {
	type merge struct {
		survivor *Bullet
		removed  []string
	}

	p.mu.Lock()
	byContent := make(map[string]*merge)
	var order []string
	for _, section := range Sections {
		order = append(order, p.sections[section]...)
	}

	for _, id := range order {
		b, ok := p.bullets[id]
		if !ok {
			continue
		}
		key := b.normalizedContent()
		m, seen := byContent[key]
		if !seen {
			byContent[key] = &merge{survivor: b}
			continue
		}
		m.survivor.HelpfulCount += b.HelpfulCount
		m.survivor.HarmfulCount += b.HarmfulCount
		m.removed = append(m.removed, id)
		delete(p.bullets, id)
		p.sections[b.Section] = removeID(p.sections[b.Section], id)
	}

	var touched []*Bullet
	for _, m := range byContent {
		if len(m.removed) == 0 {
			continue
		}
		removedIDs = append(removedIDs, m.removed...)
		updatedIDs = append(updatedIDs, m.survivor.ID)
		touched = append(touched, m.survivor)
	}
	p.mu.Unlock()

	sort.Strings(removedIDs)
	sort.Strings(updatedIDs)

	if p.mirrored() && len(removedIDs) > 0 {
		if err := p.vectors.DeletePoints(ctx, BulletCollection(p.moduleID), removedIDs); err != nil {
			p.logger.Warn("failed to delete deduped points", "error", err)
		}
	}
	for _, b := range touched {
		p.mirror(ctx, b)
	}
	return removedIDs, updatedIDs
}

// PruneHarmful removes every bullet whose harmful count has reached the
// threshold (default 3 when threshold <= 0).
func (p *Playbook) PruneHarmful(ctx context.Context, threshold int) []string {
	if threshold <= 0 {
		threshold = defaultPruneThreshold
	}

	p.mu.Lock()
	var removed []string
	for id, b := range p.bullets {
		if b.HarmfulCount >= threshold {
			removed = append(removed, id)
			delete(p.bullets, id)
			p.sections[b.Section] = removeID(p.sections[b.Section], id)
		}
	}
	p.mu.Unlock()

	sort.Strings(removed)
	if p.mirrored() && len(removed) > 0 {
		if err := p.vectors.DeletePoints(ctx, BulletCollection(p.moduleID), removed); err != nil {
			p.logger.Warn("failed to delete pruned points", "error", err)
		}
	}
	return removed
}

// SaveToVectorDB rewrites the whole collection from memory.
func (p *Playbook) SaveToVectorDB(ctx context.Context) error {
	if !p.mirrored() {
		return nil
	}

	bullets := p.Bullets()
	collection := BulletCollection(p.moduleID)
	if _, err := p.vectors.CreateCollection(ctx, collection, p.embedder.Dimensions()); err != nil {
		return fmt.Errorf("ensure playbook collection: %w", err)
	}

	points := make([]vector.Point, 0, len(bullets))
	for _, b := range bullets {
		vec, err := p.embedder.EmbedSingle(ctx, b.Content)
		if err != nil {
			return fmt.Errorf("embed bullet %s: %w", b.ID, err)
		}
		points = append(points, vector.Point{ID: b.ID, Vector: vec, Payload: b.payload()})
	}
	if len(points) == 0 {
		return nil
	}
	if err := p.vectors.Upsert(ctx, collection, points); err != nil {
		return fmt.Errorf("save playbook: %w", err)
	}
	return nil
}

// LoadFromVectorDB scrolls the collection page by page and rebuilds the
// in-memory structure. Points written by older releases carry their fields
// under legacy names; those fall back with defaults.
func (p *Playbook) LoadFromVectorDB(ctx context.Context) error {
	if !p.mirrored() {
		return nil
	}

	collection := BulletCollection(p.moduleID)
	if _, err := p.vectors.CreateCollection(ctx, collection, p.embedder.Dimensions()); err != nil {
		return fmt.Errorf("ensure playbook collection: %w", err)
	}

	bullets := make(map[string]*Bullet)
	sections := make(map[string][]string)

	offset := ""
	for {
		page, next, err := p.vectors.Scroll(ctx, collection, scrollPageSize, offset)
		if err != nil {
			return fmt.Errorf("scroll playbook: %w", err)
		}
		for _, pt := range page {
			b := bulletFromPayload(pt.ID, pt.Payload)
			if b == nil {
				p.logger.Warn("skipping malformed playbook point", "point", pt.ID)
				continue
			}
			bullets[b.ID] = b
			sections[b.Section] = append(sections[b.Section], b.ID)
		}
		if next == "" {
			break
		}
		offset = next
	}

	for section := range sections {
		sort.Strings(sections[section])
	}

	p.mu.Lock()
	p.bullets = bullets
	p.sections = sections
	p.mu.Unlock()

	p.logger.Info("playbook loaded", "bullets", len(bullets))
	return nil
}

// bulletFromPayload reconstructs a bullet, accepting both the modern field
// names and the legacy ones ("text", "category", "votes_up", "votes_down").
func bulletFromPayload(pointID string, payload map[string]any) *Bullet {
	content := vector.PayloadString(payload, "content")
	if content == "" {
		content = vector.PayloadString(payload, "text")
	}
	if content == "" {
		return nil
	}

	section := vector.PayloadString(payload, "section")
	if section == "" {
		section = vector.PayloadString(payload, "category")
	}
	if !ValidSection(section) {
		section = SectionDomain
	}

	id := vector.PayloadString(payload, "id")
	if id == "" {
		id = pointID
	}

	helpful := vector.PayloadInt(payload, "helpful_count")
	if _, ok := payload["helpful_count"]; !ok {
		helpful = vector.PayloadInt(payload, "votes_up")
	}
	harmful := vector.PayloadInt(payload, "harmful_count")
	if _, ok := payload["harmful_count"]; !ok {
		harmful = vector.PayloadInt(payload, "votes_down")
	}

	return &Bullet{
		ID:           id,
		Section:      section,
		Content:      content,
		HelpfulCount: helpful,
		HarmfulCount: harmful,
	}
}

// mirror re-embeds and upserts one bullet. Mirror failures are logged, not
// fatal; the in-memory playbook is the working copy.
func (p *Playbook) mirror(ctx context.Context, b *Bullet) {
	if !p.mirrored() {
		return
	}

	vec, err := p.embedder.EmbedSingle(ctx, b.Content)
	if err != nil {
		p.logger.Warn("failed to embed bullet", "bullet", b.ID, "error", err)
		return
	}
	collection := BulletCollection(p.moduleID)
	if _, err := p.vectors.CreateCollection(ctx, collection, p.embedder.Dimensions()); err != nil {
		p.logger.Warn("failed to ensure playbook collection", "error", err)
		return
	}
	if err := p.vectors.Upsert(ctx, collection, []vector.Point{{ID: b.ID, Vector: vec, Payload: b.payload()}}); err != nil {
		p.logger.Warn("failed to mirror bullet", "bullet", b.ID, "error", err)
	}
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
