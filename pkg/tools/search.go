package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/coda/pkg/retrieval"
	"github.com/kadirpekel/coda/pkg/store"
)

// defaultSearchLimit is the hit count when the model doesn't ask for one.
const defaultSearchLimit = 10

// SearchTool exposes hybrid workspace retrieval to the model.
type SearchTool struct {
	Workspace *store.Workspace
	Retriever *retrieval.WorkspaceRetriever
}

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Description() string {
	return "Search the workspace by meaning, symbol name, and text. Returns ranked code snippets."
}

func (t *SearchTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"query": map[string]any{"type": "string", "description": "What to look for"},
		"limit": map[string]any{"type": "integer", "description": "Maximum results (default 10)"},
	}, "query")
}

func (t *SearchTool) RequiresApproval() bool { return false }

func (t *SearchTool) ApprovalPrompt(args map[string]any) string {
	return fmt.Sprintf("Search the workspace for %q?", optionalString(args, "query", "?"))
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return Failure("%v", err), nil
	}
	if strings.TrimSpace(query) == "" {
		return Failure("query is empty"), nil
	}

	limit := defaultSearchLimit
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	results, err := t.Retriever.Retrieve(ctx, t.Workspace, query, limit, 0)
	if err != nil {
		return Failure("search failed: %v", err), nil
	}

	var sb strings.Builder
	hits := make([]map[string]any, 0, len(results))
	for _, r := range results {
		fmt.Fprintf(&sb, "%s:%d (%.2f)\n%s\n\n", r.FilePath, r.Line, r.Score, r.Content)
		hits = append(hits, map[string]any{
			"file_path": r.FilePath,
			"line":      r.Line,
			"score":     r.Score,
			"source":    r.Source,
			"content":   r.Content,
		})
	}

	return &Result{
		Success: true,
		Output:  strings.TrimSpace(sb.String()),
		Data:    map[string]any{"query": query, "results": hits, "count": len(hits)},
	}, nil
}
