package execution

import (
	"encoding/json"
	"strings"
)

// ContentBlock is one piece of a tool call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is the shape returned at the tool-call boundary.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type screenshotPayload struct {
	Screenshot string `json:"screenshot"`
	MimeType   string `json:"mimeType"`
}

// ToToolResult adapts a Result into content blocks. Data carrying a base64
// screenshot becomes an image block; anything else is rendered as JSON text.
func ToToolResult(r Result) ToolResult {
	if !r.Succeeded {
		msg := r.ErrorMessage
		if msg == "" {
			msg = "action failed"
		}
		return ToolResult{
			Content: []ContentBlock{{Type: "text", Text: msg}},
			IsError: true,
		}
	}

	if len(r.Data) == 0 || string(r.Data) == "null" {
		return ToolResult{Content: []ContentBlock{{Type: "text", Text: "OK"}}}
	}

	var shot screenshotPayload
	if json.Unmarshal(r.Data, &shot) == nil && shot.Screenshot != "" {
		mime := shot.MimeType
		if mime == "" {
			mime = "image/png"
		}
		return ToolResult{Content: []ContentBlock{{Type: "image", Data: shot.Screenshot, MimeType: mime}}}
	}

	var text string
	if err := json.Unmarshal(r.Data, &text); err != nil {
		text = indentJSON(r.Data)
	}
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	return string(out)
}
