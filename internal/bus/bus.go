// Package bus defines the publish/subscribe transport used by the intake
// service and the topic matching rules shared by its implementations.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is one inbound message.
type Event struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Bus is the transport the dispatcher runs on. Implementations must allow
// Publish from many goroutines at once.
type Bus interface {
	// Subscribe starts delivery for the given filters. The returned channel
	// is closed after Disconnect and cannot be reopened.
	Subscribe(ctx context.Context, filters ...string) (<-chan Event, error)
	// Publish sends payload. Byte slices and strings go out verbatim, any
	// other value is JSON encoded.
	Publish(ctx context.Context, topic string, payload any, qos byte, retain bool) error
	// Disconnect tears the connection down and closes the event channel.
	Disconnect(ctx context.Context) error
}

// Connector is implemented by buses that need an explicit connect step
// before Subscribe.
type Connector interface {
	Connect(ctx context.Context) error
}

// DropCounter is implemented by buses that can discard inbound messages
// under backpressure.
type DropCounter interface {
	Dropped() uint64
}

// EncodePayload turns a publish payload into wire bytes.
func EncodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}

// Match reports whether topic matches filter. "+" matches exactly one
// level and a trailing "#" matches the remaining levels, including none.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// Level returns the i-th level of topic, or "" when there is none.
func Level(topic string, i int) string {
	levels := strings.Split(topic, "/")
	if i < 0 || i >= len(levels) {
		return ""
	}
	return levels[i]
}

// ValidateFilter rejects filters with misplaced wildcards.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch {
		case l == "#" && i != len(levels)-1:
			return fmt.Errorf("topic filter %q: '#' must be the last level", filter)
		case l != "+" && l != "#" && strings.ContainsAny(l, "+#"):
			return fmt.Errorf("topic filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}
