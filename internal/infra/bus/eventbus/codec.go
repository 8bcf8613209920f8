package eventbus

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/coachpo/audiosum/internal/domain/schema"
)

// streamEntry is the msgpack body stored in the "data" field of a stream entry.
type streamEntry struct {
	Message *schema.Message `msgpack:"message"`
	Attempt int             `msgpack:"attempt"`
	Reason  string          `msgpack:"reason,omitempty"`
}

func encodeEntry(entry streamEntry) ([]byte, error) {
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("eventbus: encode entry: %w", err)
	}
	return data, nil
}

func decodeEntry(values map[string]any) (streamEntry, error) {
	var raw []byte
	switch v := values[fieldData].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return streamEntry{}, fmt.Errorf("eventbus: entry missing %q field", fieldData)
	}
	var entry streamEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return streamEntry{}, fmt.Errorf("eventbus: decode entry: %w", err)
	}
	if entry.Message == nil {
		return streamEntry{}, fmt.Errorf("eventbus: entry without message")
	}
	if entry.Attempt <= 0 {
		entry.Attempt = 1
	}
	return entry, nil
}
