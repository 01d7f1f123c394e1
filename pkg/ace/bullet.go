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

// Package ace maintains the playbook of learned guidance: bullets grouped
// into sections, mirrored into a vector collection for semantic retrieval,
// grown by a curator applying reflection output, and refined by dedup and
// harmful-pruning.
package ace

import (
	"strings"

	"github.com/google/uuid"
)

// Playbook sections. Every bullet lives in exactly one.
const (
	SectionStrategies = "strategies"
	SectionSnippets   = "snippets"
	SectionPitfalls   = "pitfalls"
	SectionAPIs       = "apis"
	SectionDomain     = "domain"
)

// Sections lists the valid section tags in display order.
var Sections = []string{SectionStrategies, SectionSnippets, SectionPitfalls, SectionAPIs, SectionDomain}

var sectionPrefixes = map[string]string{
	SectionStrategies: "strat",
	SectionSnippets:   "snip",
	SectionPitfalls:   "pit",
	SectionAPIs:       "api",
	SectionDomain:     "dom",
}

// ValidSection reports whether tag names a known section.
func ValidSection(tag string) bool {
	_, ok := sectionPrefixes[tag]
	return ok
}

// NewBulletID generates a section-prefixed id like "strat-1a2b3c4d".
func NewBulletID(section string) string {
	prefix, ok := sectionPrefixes[section]
	if !ok {
		prefix = "misc"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// Bullet is one unit of learned guidance.
type Bullet struct {
	ID           string         `json:"id"`
	Section      string         `json:"section"`
	Content      string         `json:"content"`
	HelpfulCount int            `json:"helpful_count"`
	HarmfulCount int            `json:"harmful_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Quality is helpful/(helpful+harmful), 0.5 when there is no feedback yet.
func (b *Bullet) Quality() float64 {
	total := b.HelpfulCount + b.HarmfulCount
	if total == 0 {
		return 0.5
	}
	return float64(b.HelpfulCount) / float64(total)
}

// normalizedContent is the dedup key: trimmed, case-folded content.
func (b *Bullet) normalizedContent() string {
	return strings.ToLower(strings.TrimSpace(b.Content))
}

// payload renders the full bullet dict for vector mirroring.
func (b *Bullet) payload() map[string]any {
	p := map[string]any{
		"id":            b.ID,
		"section":       b.Section,
		"content":       b.Content,
		"helpful_count": b.HelpfulCount,
		"harmful_count": b.HarmfulCount,
	}
	for k, v := range b.Metadata {
		if _, reserved := p[k]; !reserved {
			p[k] = v
		}
	}
	return p
}

// FeedbackTag classifies feedback on a bullet.
type FeedbackTag string

const (
	FeedbackHelpful FeedbackTag = "helpful"
	FeedbackHarmful FeedbackTag = "harmful"
	FeedbackNeutral FeedbackTag = "neutral"
)

// Feedback is one entry in a turn's bullet feedback list.
type Feedback struct {
	BulletID string      `json:"bullet_id"`
	Tag      FeedbackTag `json:"tag"`
}
