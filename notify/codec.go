package notify

import (
	"fmt"

	"aegis/soar"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeEvent serializes a lifecycle event for the wire
func EncodeEvent(event *soar.Event) ([]byte, error) {
	data, err := msgpack.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}
	return data, nil
}

// DecodeEvent is the inverse of EncodeEvent. Payload integers decode as the
// narrowest msgpack type, so consumers should read numbers with a type switch.
func DecodeEvent(data []byte) (*soar.Event, error) {
	var event soar.Event
	if err := msgpack.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("failed to decode event: missing type")
	}
	return &event, nil
}
