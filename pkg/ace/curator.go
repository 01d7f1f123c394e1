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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kadirpekel/coda/pkg/llms"
	"github.com/kadirpekel/coda/pkg/protocol"
)

// DeltaOpType is a curator operation kind.
type DeltaOpType string

const (
	DeltaAdd    DeltaOpType = "ADD"
	DeltaUpdate DeltaOpType = "UPDATE"
	DeltaRemove DeltaOpType = "REMOVE"
)

// DeltaOp is one playbook mutation proposed by the curator.
type DeltaOp struct {
	Type     DeltaOpType `json:"type"`
	Section  string      `json:"section,omitempty"`
	Content  string      `json:"content,omitempty"`
	BulletID string      `json:"bullet_id,omitempty"`
}

// Completer runs LLM completions; satisfied by llms.LLMProvider.
type Completer interface {
	Stream(ctx context.Context, messages []*protocol.Message, tools []llms.ToolDefinition, opts *llms.StreamOptions) (<-chan llms.StreamEvent, error)
}

// Curator evolves the playbook: it asks the LLM what to change after a
// reflection and applies the resulting delta operations. Mutations are
// serialized by the curator lock since the playbook is shared across
// sessions of a module.
type Curator struct {
	playbook *Playbook
	llm      Completer
	logger   *slog.Logger

	mu sync.Mutex
}

// NewCurator creates a curator over a playbook. The completer is optional;
// without it Curate returns no operations.
func NewCurator(playbook *Playbook, llm Completer, logger *slog.Logger) *Curator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Curator{
		playbook: playbook,
		llm:      llm,
		logger:   logger.With("component", "curator"),
	}
}

// ApplyDelta applies operations to the playbook (and, through it, the
// vector mirror) under the curator lock. Individual op failures are logged
// and skipped so one bad op cannot block the rest.
func (c *Curator) ApplyDelta(ctx context.Context, ops []DeltaOp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, op := range ops {
		var err error
		switch op.Type {
		case DeltaAdd:
			_, err = c.playbook.AddBullet(ctx, &Bullet{Section: op.Section, Content: op.Content})
		case DeltaUpdate:
			_, err = c.playbook.UpdateBullet(ctx, op.BulletID, op.Content, op.Section)
		case DeltaRemove:
			err = c.playbook.RemoveBullet(ctx, op.BulletID)
		default:
			err = fmt.Errorf("unknown delta op type %q", op.Type)
		}
		if err != nil {
			c.logger.Warn("delta op skipped", "type", op.Type, "bullet", op.BulletID, "error", err)
		}
	}
}

// Curate asks the LLM for delta operations given a task and its
// reflection. Any failure (no LLM, stream error, unparseable output)
// yields an empty operation list, never an error.
func (c *Curator) Curate(ctx context.Context, task string, reflection *Reflection) []DeltaOp {
	if c.llm == nil || reflection == nil {
		return nil
	}

	prompt := c.buildPrompt(task, reflection)
	response, err := completeText(ctx, c.llm, []*protocol.Message{
		protocol.NewSystemMessage("You maintain a playbook of coding guidance. Respond with JSON only."),
		protocol.NewUserMessage(prompt),
	})
	if err != nil {
		c.logger.Warn("curation request failed", "error", err)
		return nil
	}

	obj := extractJSONObject(response)
	if obj == "" {
		c.logger.Warn("curation response had no JSON object")
		return nil
	}

	var parsed struct {
		Operations []DeltaOp `json:"operations"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		c.logger.Warn("curation response unparseable", "error", err)
		return nil
	}
	return parsed.Operations
}

func (c *Curator) buildPrompt(task string, reflection *Reflection) string {
	var sb strings.Builder
	sb.WriteString("Current playbook:\n")
	rendered := c.playbook.Render()
	if rendered == "" {
		rendered = "(empty)"
	}
	sb.WriteString(rendered)
	sb.WriteString("\n\nTask:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nReflection:\n")
	sb.WriteString(fmt.Sprintf("- reasoning: %s\n", reflection.Reasoning))
	sb.WriteString(fmt.Sprintf("- error identification: %s\n", reflection.ErrorIdentification))
	sb.WriteString(fmt.Sprintf("- root cause: %s\n", reflection.RootCauseAnalysis))
	sb.WriteString(fmt.Sprintf("- correct approach: %s\n", reflection.CorrectApproach))
	sb.WriteString(fmt.Sprintf("- key insight: %s\n", reflection.KeyInsight))
	sb.WriteString("\nPropose playbook changes as JSON:\n")
	sb.WriteString(`{"operations": [{"type": "ADD|UPDATE|REMOVE", "section": "strategies|snippets|pitfalls|apis|domain", "content": "...", "bullet_id": "..."}]}`)
	return sb.String()
}

// completeText drains a completion stream into its final text.
func completeText(ctx context.Context, llm Completer, messages []*protocol.Message) (string, error) {
	ch, err := llm.Stream(ctx, messages, nil, &llms.StreamOptions{ResponseFormat: "json"})
	if err != nil {
		return "", err
	}

	var final string
	var sb strings.Builder
	for event := range ch {
		switch event.Type {
		case llms.EventContent:
			sb.WriteString(event.Text)
		case llms.EventDone:
			final = event.Text
		case llms.EventError:
			return "", event.Err
		}
	}
	if final != "" {
		return final, nil
	}
	return sb.String(), nil
}

// extractJSONObject returns the first balanced top-level JSON object in
// text, tolerating code fences and prose wrappers. Empty when none parses.
func extractJSONObject(text string) string {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			ch := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case ch == '\\':
					escaped = true
				case ch == '"':
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate
					}
					i = len(text)
				}
			}
		}

		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			return ""
		}
		start += 1 + next
	}
	return ""
}
