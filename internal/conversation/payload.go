package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SourceRef attributes part of an assistant answer to one retrieved chunk.
type SourceRef struct {
	ChunkID     uuid.UUID `json:"chunk_id"`
	DocumentURI string    `json:"document_uri"`
	Title       string    `json:"title,omitempty"`
	Score       float64   `json:"score"`
}

// UserPayload is the content shape for user-role messages.
type UserPayload struct {
	Text string `json:"text"`
}

// AssistantPayload is the content shape for assistant-role messages.
// Sources is empty when the answer used no retrieved context.
type AssistantPayload struct {
	Text    string      `json:"text"`
	Sources []SourceRef `json:"sources,omitempty"`
}

// ToolPayload is the content shape for tool-role messages. Exactly one of
// Output and Error is set.
type ToolPayload struct {
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SystemPayload is the content shape for system-role messages.
type SystemPayload struct {
	Text string `json:"text"`
}

// UserContent builds a user-role content payload.
func UserContent(text string) json.RawMessage {
	return mustMarshal(UserPayload{Text: text})
}

// AssistantContent builds an assistant-role content payload.
func AssistantContent(text string, sources []SourceRef) json.RawMessage {
	return mustMarshal(AssistantPayload{Text: text, Sources: sources})
}

// ToolContent builds a tool-role content payload.
func ToolContent(tool string, output json.RawMessage, errText string) json.RawMessage {
	return mustMarshal(ToolPayload{Tool: tool, Output: output, Error: errText})
}

// SystemContent builds a system-role content payload.
func SystemContent(text string) json.RawMessage {
	return mustMarshal(SystemPayload{Text: text})
}

// Text extracts the human-readable text of a message payload for the given
// role. Tool payloads render as their output or error string.
func Text(role string, content json.RawMessage) (string, error) {
	switch role {
	case "user":
		var p UserPayload
		if err := json.Unmarshal(content, &p); err != nil {
			return "", fmt.Errorf("decoding user payload: %w", err)
		}
		return p.Text, nil
	case "assistant":
		var p AssistantPayload
		if err := json.Unmarshal(content, &p); err != nil {
			return "", fmt.Errorf("decoding assistant payload: %w", err)
		}
		return p.Text, nil
	case "system":
		var p SystemPayload
		if err := json.Unmarshal(content, &p); err != nil {
			return "", fmt.Errorf("decoding system payload: %w", err)
		}
		return p.Text, nil
	case "tool":
		var p ToolPayload
		if err := json.Unmarshal(content, &p); err != nil {
			return "", fmt.Errorf("decoding tool payload: %w", err)
		}
		if p.Error != "" {
			return fmt.Sprintf("tool %s failed: %s", p.Tool, p.Error), nil
		}
		return string(p.Output), nil
	default:
		return "", fmt.Errorf("unknown message role %q", role)
	}
}

// Payload shapes are fixed structs marshaled field by field; an error here
// is a programming bug, not runtime input.
func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling message payload: %v", err))
	}
	return b
}
