package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseXMLToolCalls(t *testing.T) {
	t.Run("no xml passes through", func(t *testing.T) {
		content, calls := ParseXMLToolCalls("just plain text")
		assert.Equal(t, "just plain text", content)
		assert.Empty(t, calls)
	})

	t.Run("single call stripped from content", func(t *testing.T) {
		content, calls := ParseXMLToolCalls(
			"sure<function=read_file><parameter=file_path>README.md</parameter></function>done")
		assert.Equal(t, "suredone", content)
		require.Len(t, calls, 1)
		assert.Equal(t, "read_file", calls[0].Name)
		assert.Equal(t, "README.md", calls[0].Args["file_path"])
	})

	t.Run("multiple calls in order", func(t *testing.T) {
		content, calls := ParseXMLToolCalls(
			"<function=list_files><parameter=directory>.</parameter></function>" +
				"<function=read_file><parameter=file_path>a.go</parameter></function>")
		assert.Equal(t, "", content)
		require.Len(t, calls, 2)
		assert.Equal(t, "list_files", calls[0].Name)
		assert.Equal(t, "read_file", calls[1].Name)
	})

	t.Run("multiple parameters", func(t *testing.T) {
		_, calls := ParseXMLToolCalls(
			"<function=write_file><parameter=file_path>x.txt</parameter><parameter=content>hello</parameter></function>")
		require.Len(t, calls, 1)
		assert.Equal(t, "x.txt", calls[0].Args["file_path"])
		assert.Equal(t, "hello", calls[0].Args["content"])
	})

	t.Run("boolean values coerced", func(t *testing.T) {
		_, calls := ParseXMLToolCalls(
			"<function=search><parameter=regex>TRUE</parameter><parameter=query>false positive</parameter></function>")
		require.Len(t, calls, 1)
		assert.Equal(t, true, calls[0].Args["regex"])
		assert.Equal(t, "false positive", calls[0].Args["query"])
	})

	t.Run("stray tool_call tags removed", func(t *testing.T) {
		content, calls := ParseXMLToolCalls("done</tool_call> here")
		assert.Equal(t, "done here", content)
		assert.Empty(t, calls)
	})

	t.Run("stray tags around function call", func(t *testing.T) {
		content, calls := ParseXMLToolCalls(
			"<tool_call><function=run_command><parameter=command>ls</parameter></function></tool_call>")
		assert.Equal(t, "", content)
		require.Len(t, calls, 1)
		assert.Equal(t, "run_command", calls[0].Name)
	})

	t.Run("generated ids are unique", func(t *testing.T) {
		_, calls := ParseXMLToolCalls(
			"<function=a></function><function=b></function>")
		require.Len(t, calls, 2)
		assert.NotEqual(t, calls[0].ID, calls[1].ID)
	})

	t.Run("empty content", func(t *testing.T) {
		content, calls := ParseXMLToolCalls("")
		assert.Equal(t, "", content)
		assert.Empty(t, calls)
	})
}
