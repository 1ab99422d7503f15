package redis

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mossy-p/meshchat/internal/store"
)

// changeMessage is the payload published on a change channel.
type changeMessage struct {
	Type store.ChangeType `json:"type"`
	ID   string           `json:"id"`
	Data store.Data       `json:"data,omitempty"`
}

func encodeDoc(data store.Data) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

func decodeDoc(raw string) (store.Data, error) {
	var data map[string]any
	if err := unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return normalize(data).(map[string]any), nil
}

func encodeChange(typ store.ChangeType, id string, data store.Data) (string, error) {
	b, err := json.Marshal(changeMessage{Type: typ, ID: id, Data: data})
	if err != nil {
		return "", fmt.Errorf("encode change: %w", err)
	}
	return string(b), nil
}

func decodeChange(collection, raw string) (store.Change, error) {
	var msg struct {
		Type store.ChangeType `json:"type"`
		ID   string           `json:"id"`
		Data map[string]any   `json:"data"`
	}
	if err := unmarshal(raw, &msg); err != nil {
		return store.Change{}, fmt.Errorf("decode change: %w", err)
	}
	switch msg.Type {
	case store.ChangeAdded, store.ChangeModified, store.ChangeRemoved:
	default:
		return store.Change{}, fmt.Errorf("decode change: unknown type %q", msg.Type)
	}
	if msg.ID == "" {
		return store.Change{}, fmt.Errorf("decode change: missing id")
	}
	var data store.Data
	if msg.Data != nil {
		data = normalize(msg.Data).(map[string]any)
	}
	return store.Change{
		Type: msg.Type,
		Doc: store.Snapshot{
			Ref:    store.DocumentRef{Parent: collection, ID: msg.ID},
			Exists: msg.Type != store.ChangeRemoved,
			Data:   data,
		},
	}, nil
}

func unmarshal(raw string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	return dec.Decode(v)
}

// normalize turns json.Number into int64 where the value is integral, so
// timestamps compare equal after a round trip.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	}
	return v
}
