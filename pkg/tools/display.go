package tools

import (
	"fmt"
	"strings"
)

const (
	displayMaxLines = 50
	displayMaxChars = 2000
	displayMaxFiles = 20
	displayCap      = 4000
)

// DisplayResult shrinks a tool result for client display. The model always
// sees the full result; this rendition only feeds the event stream.
func DisplayResult(toolName string, result *Result) map[string]any {
	if result == nil {
		return map[string]any{"success": false, "error": "no result"}
	}

	out := map[string]any{"success": result.Success}
	if result.Error != "" {
		out["error"] = result.Error
	}

	switch toolName {
	case "read_file":
		output, truncated := truncateRead(result.Output)
		out["output"] = output
		if truncated {
			out["truncated"] = true
		}
		mergeData(out, result.Data, "path", "lines", "bytes")
	case "list_files":
		out["output"] = truncateListing(result)
		mergeData(out, result.Data, "directory", "count")
	default:
		output := result.Output
		if len(output) > displayCap {
			output = output[:displayCap] + "\n... (truncated)"
			out["truncated"] = true
		}
		out["output"] = output
	}
	return out
}

// truncateRead keeps the first lines and characters of a file read.
func truncateRead(content string) (string, bool) {
	truncated := false
	lines := strings.Split(content, "\n")
	if len(lines) > displayMaxLines {
		lines = lines[:displayMaxLines]
		truncated = true
	}
	out := strings.Join(lines, "\n")
	if len(out) > displayMaxChars {
		out = out[:displayMaxChars]
		truncated = true
	}
	if truncated {
		out += "\n... (truncated for display)"
	}
	return out, truncated
}

// truncateListing keeps the first files of a listing plus a total.
func truncateListing(result *Result) string {
	files, _ := result.Data["files"].([]string)
	if files == nil {
		if raw, ok := result.Data["files"].([]any); ok {
			for _, item := range raw {
				if s, ok := item.(string); ok {
					files = append(files, s)
				}
			}
		}
	}
	if files == nil {
		return result.Output
	}

	total := len(files)
	shown := files
	if total > displayMaxFiles {
		shown = files[:displayMaxFiles]
	}
	out := strings.Join(shown, "\n")
	if total > displayMaxFiles {
		out += fmt.Sprintf("\n... and %d more (%d total)", total-displayMaxFiles, total)
	}
	return out
}

func mergeData(dst map[string]any, data map[string]any, keys ...string) {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			dst[key] = v
		}
	}
}
