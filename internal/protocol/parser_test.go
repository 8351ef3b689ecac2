package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser() *Parser {
	return NewParser(Config{}, nil)
}

func TestParseMinimalBlock(t *testing.T) {
	text := "Let me check.\n<<<[TOOL_REQUEST]>>>\ntool_name:「始」Ping「末」\n<<<[END_TOOL_REQUEST]>>>"

	calls := newTestParser().Parse(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "Ping", calls[0].Name)
	assert.Empty(t, calls[0].Args)
	assert.False(t, calls[0].FireAndForget)
}

func TestParseMultiFieldWithArchery(t *testing.T) {
	text := `<<<[TOOL_REQUEST]>>>
tool_name:「始」ImageGen「末」,
prompt:「始」a red fox
on snow「末」,
archery:「始」no_reply「末」
<<<[END_TOOL_REQUEST]>>>`

	calls := newTestParser().Parse(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "ImageGen", calls[0].Name)
	assert.Equal(t, "a red fox\non snow", calls[0].Args["prompt"])
	assert.True(t, calls[0].FireAndForget)
}

func TestParseOrderedMultipleBlocks(t *testing.T) {
	var text string
	for i := 0; i < 4; i++ {
		text += fmt.Sprintf("prose %d <<<[TOOL_REQUEST]>>>tool_name:「始」T%d「末」<<<[END_TOOL_REQUEST]>>>", i, i)
	}

	calls := newTestParser().Parse(text)
	require.Len(t, calls, 4)
	for i, inv := range calls {
		assert.Equal(t, fmt.Sprintf("T%d", i), inv.Name)
	}
}

func TestParseSkipsBlockMissingToolName(t *testing.T) {
	text := `<<<[TOOL_REQUEST]>>>
city:「始」Oslo「末」
<<<[END_TOOL_REQUEST]>>>
<<<[TOOL_REQUEST]>>>
tool_name:「始」Weather「末」
<<<[END_TOOL_REQUEST]>>>`

	calls := newTestParser().Parse(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "Weather", calls[0].Name)
}

func TestParseUnterminatedBlockAdvances(t *testing.T) {
	text := "<<<[TOOL_REQUEST]>>>tool_name:「始」Lost「末」 and then <<<[TOOL_REQUEST]>>>tool_name:「始」Found「末」<<<[END_TOOL_REQUEST]>>>"

	calls := newTestParser().Parse(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "Found", calls[0].Name)
}

func TestParseArcheryTrueVariants(t *testing.T) {
	for _, val := range []string{"true", "no_reply"} {
		text := "<<<[TOOL_REQUEST]>>>tool_name:「始」X「末」,archery:「始」" + val + "「末」<<<[END_TOOL_REQUEST]>>>"
		calls := newTestParser().Parse(text)
		require.Len(t, calls, 1)
		assert.True(t, calls[0].FireAndForget, "archery=%s", val)
	}

	text := "<<<[TOOL_REQUEST]>>>tool_name:「始」X「末」,archery:「始」false「末」<<<[END_TOOL_REQUEST]>>>"
	calls := newTestParser().Parse(text)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].FireAndForget)
}

func TestParseCustomDelimiters(t *testing.T) {
	p := NewParser(Config{
		BlockOpen:  "[[CALL]]",
		BlockClose: "[[/CALL]]",
		ValueOpen:  "<(",
		ValueClose: ")>",
	}, nil)

	calls := p.Parse("[[CALL]]tool_name:<(Sum)>,a:<(1)>,b:<(2)>[[/CALL]]")
	require.Len(t, calls, 1)
	assert.Equal(t, "Sum", calls[0].Name)
	assert.Equal(t, "1", calls[0].Args["a"])
	assert.Equal(t, "2", calls[0].Args["b"])
}

func TestHasInvocations(t *testing.T) {
	p := newTestParser()
	assert.False(t, p.HasInvocations("just prose"))
	assert.True(t, p.HasInvocations("<<<[TOOL_REQUEST]>>>tool_name:「始」P「末」<<<[END_TOOL_REQUEST]>>>"))
	// A block without a tool name is not an invocation.
	assert.False(t, p.HasInvocations("<<<[TOOL_REQUEST]>>>x:「始」y「末」<<<[END_TOOL_REQUEST]>>>"))
}

func TestStripBlocks(t *testing.T) {
	text := "Before. <<<[TOOL_REQUEST]>>>tool_name:「始」P「末」<<<[END_TOOL_REQUEST]>>> After."

	out := newTestParser().StripBlocks(text)
	assert.Equal(t, "Before.  After.", out)
}

func TestStripBlocksLeavesUnterminated(t *testing.T) {
	text := "Prose <<<[TOOL_REQUEST]>>>tool_name:「始」P「末」"
	assert.Equal(t, text, newTestParser().StripBlocks(text))
}

func TestParseValueWithCommaAndColon(t *testing.T) {
	text := "<<<[TOOL_REQUEST]>>>tool_name:「始」Note「末」,body:「始」a: b, c: d「末」<<<[END_TOOL_REQUEST]>>>"

	calls := newTestParser().Parse(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "a: b, c: d", calls[0].Args["body"])
}
