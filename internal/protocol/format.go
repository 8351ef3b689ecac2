package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Attachment is a rich-content reference returned by a tool alongside its
// textual payload.
type Attachment struct {
	Kind string // image, file, video, audio
	URL  string
	Name string
}

// FormatResult renders a tool result as text the model can re-ingest. The
// payload is JSON-encoded when structured and embedded in a fenced literal
// so that delimiter-looking content inside it stays inert.
func FormatResult(name string, payload any, ok bool, errMsg string, attachments ...Attachment) string {
	var sb strings.Builder

	status := "SUCCESS"
	if !ok {
		status = "FAILURE"
	}
	fmt.Fprintf(&sb, "[Tool: %s] %s\n", name, status)
	if !ok && errMsg != "" {
		fmt.Fprintf(&sb, "Error: %s\n", errMsg)
	}

	sb.WriteString("```\n")
	sb.WriteString(stringifyPayload(payload))
	sb.WriteString("\n```")

	attachments = append(extractAttachments(payload), attachments...)
	if len(attachments) > 0 {
		sb.WriteString("\nAttachments:")
		for i, att := range attachments {
			label := att.Name
			if label == "" {
				label = att.URL
			}
			fmt.Fprintf(&sb, "\n%d. [%s] %s", i+1, att.Kind, label)
			if att.Name != "" && att.URL != "" {
				fmt.Fprintf(&sb, " (%s)", att.URL)
			}
		}
	}
	return sb.String()
}

// extractAttachments pulls rich-content references out of a structured
// payload. Recognized forms: an "attachments" list of objects with
// type/url/name fields, and top-level image_url/file_url/video_url/
// audio_url keys.
func extractAttachments(payload any) []Attachment {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil
	}

	var out []Attachment
	if list, ok := m["attachments"].([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			att := Attachment{
				Kind: stringField(entry, "type", "kind"),
				URL:  stringField(entry, "url"),
				Name: stringField(entry, "name"),
			}
			if att.URL == "" {
				continue
			}
			if att.Kind == "" {
				att.Kind = "file"
			}
			out = append(out, att)
		}
	}
	for _, kind := range []string{"image", "file", "video", "audio"} {
		if url, ok := m[kind+"_url"].(string); ok && url != "" {
			out = append(out, Attachment{Kind: kind, URL: url})
		}
	}
	return out
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringifyPayload(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case error:
		return v.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}
