package task

import (
	"encoding/json"
	"strings"
)

// EmptyDescription stands in for payloads that carry no text at all.
const EmptyDescription = "(empty task)"

// Payload is the decoded form of an inbound task message. It is either
// Structured or Raw.
type Payload interface {
	Description() string
	isPayload()
}

// Structured is a JSON object that carried a description field.
type Structured struct {
	Fields map[string]any
	Text   string
}

// Raw is any payload that was not a JSON object with a usable description.
type Raw struct {
	Text string
}

func (s Structured) Description() string { return s.Text }
func (r Raw) Description() string        { return r.Text }

func (Structured) isPayload() {}
func (Raw) isPayload()        {}

// DecodePayload never fails: anything that is not a JSON object with a
// non-blank string "description" becomes Raw with the whole payload as text.
// The resulting description is never empty.
func DecodePayload(data []byte) Payload {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err == nil && fields != nil {
		if desc, ok := fields["description"].(string); ok && strings.TrimSpace(desc) != "" {
			return Structured{Fields: fields, Text: strings.TrimSpace(desc)}
		}
	}

	text := strings.TrimSpace(strings.ToValidUTF8(string(data), "�"))
	if text == "" {
		text = EmptyDescription
	}
	return Raw{Text: text}
}

// Field returns a string field of a structured payload.
func (s Structured) Field(name string) string {
	v, _ := s.Fields[name].(string)
	return strings.TrimSpace(v)
}
