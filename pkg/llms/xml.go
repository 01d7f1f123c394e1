package llms

import (
	"regexp"
	"strings"

	"github.com/kadirpekel/coda/pkg/protocol"
)

// Models without native tool-call support emit invocations inline as
//
//	<function=NAME><parameter=KEY>VALUE</parameter>...</function>
//
// optionally wrapped in stray <tool_call> markers left over from their
// chat templates.
var (
	functionTagRe  = regexp.MustCompile(`(?s)<function=([\w.-]+)>(.*?)</function>`)
	parameterTagRe = regexp.MustCompile(`(?s)<parameter=([\w.-]+)>(.*?)</parameter>`)
	strayToolTagRe = regexp.MustCompile(`</?tool_call>`)
)

// ParseXMLToolCalls extracts inline XML tool calls from content, returning
// the content with the XML regions stripped and the recovered calls in
// order of appearance. Content without XML passes through unchanged with a
// nil call slice.
func ParseXMLToolCalls(content string) (string, []*protocol.ToolCall) {
	if !strings.Contains(content, "<function=") {
		return strayToolTagRe.ReplaceAllString(content, ""), nil
	}

	var calls []*protocol.ToolCall
	clean := functionTagRe.ReplaceAllStringFunc(content, func(region string) string {
		m := functionTagRe.FindStringSubmatch(region)
		if m == nil {
			return region
		}

		args := make(map[string]any)
		for _, pm := range parameterTagRe.FindAllStringSubmatch(m[2], -1) {
			args[pm[1]] = coerceParameterValue(pm[2])
		}

		calls = append(calls, &protocol.ToolCall{
			ID:   protocol.NewToolCallID(),
			Name: m[1],
			Args: args,
		})
		return ""
	})

	clean = strayToolTagRe.ReplaceAllString(clean, "")
	return clean, calls
}

// coerceParameterValue maps boolean-looking values to bools; everything
// else stays a string. Tool argument schemas re-validate downstream.
func coerceParameterValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return trimmed
}
