package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatResultSuccessString(t *testing.T) {
	out := FormatResult("Weather", "sunny, 21C", true, "")

	assert.True(t, strings.HasPrefix(out, "[Tool: Weather] SUCCESS"))
	assert.Contains(t, out, "```\nsunny, 21C\n```")
	assert.NotContains(t, out, "Error:")
}

func TestFormatResultStructuredPayload(t *testing.T) {
	out := FormatResult("Sum", map[string]any{"total": 3}, true, "")

	assert.Contains(t, out, `{"total":3}`)
	assert.Contains(t, out, "```")
}

func TestFormatResultFailure(t *testing.T) {
	out := FormatResult("Sum", nil, false, "tool-timeout: no reply in 30s")

	assert.Contains(t, out, "[Tool: Sum] FAILURE")
	assert.Contains(t, out, "Error: tool-timeout: no reply in 30s")
}

func TestFormatResultAttachments(t *testing.T) {
	out := FormatResult("ImageGen", "done", true, "",
		Attachment{Kind: "image", URL: "http://h/a.png", Name: "a.png"},
		Attachment{Kind: "audio", URL: "http://h/b.mp3"},
	)

	assert.Contains(t, out, "Attachments:")
	assert.Contains(t, out, "1. [image] a.png (http://h/a.png)")
	assert.Contains(t, out, "2. [audio] http://h/b.mp3")
}

func TestFormatResultExtractsPayloadAttachments(t *testing.T) {
	payload := map[string]any{
		"status":    "success",
		"image_url": "http://h/out.png",
		"attachments": []any{
			map[string]any{"type": "file", "url": "http://h/report.pdf", "name": "report.pdf"},
			map[string]any{"name": "no-url-entry"},
		},
	}
	out := FormatResult("ImageGen", payload, true, "")

	assert.Contains(t, out, "Attachments:")
	assert.Contains(t, out, "[file] report.pdf (http://h/report.pdf)")
	assert.Contains(t, out, "[image] http://h/out.png")
	// The fenced payload still carries the url-less entry; the list must not.
	_, listed, _ := strings.Cut(out, "Attachments:")
	assert.NotContains(t, listed, "no-url-entry")
}

func TestFormatResultPayloadWithDelimiters(t *testing.T) {
	payload := "inner <<<[TOOL_REQUEST]>>> text"
	out := FormatResult("Echo", payload, true, "")

	// The fenced literal keeps delimiter-looking payloads from being
	// parsed as new invocations by a stripping pass.
	assert.Contains(t, out, payload)
	assert.Contains(t, out, "```\n"+payload+"\n```")
}
