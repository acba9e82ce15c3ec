// Package docstore is the document database every coordinator talks through.
// Riders and drivers never call each other; they only read, write and watch
// documents here.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("docstore: document not found")
	ErrAlreadyExists      = errors.New("docstore: document already exists")
	ErrPreconditionFailed = errors.New("docstore: precondition failed")
)

// Store is implemented by the memory, MongoDB and Firestore backends.
type Store interface {
	Get(ctx context.Context, collection, id string) (Snapshot, error)
	List(ctx context.Context, collection string) ([]Snapshot, error)
	// Set overwrites the whole document.
	Set(ctx context.Context, collection, id string, doc any) error
	// Merge upserts the given top-level fields.
	Merge(ctx context.Context, collection, id string, fields map[string]any) error
	// Update changes fields of an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Create(ctx context.Context, collection, id string, doc any) error
	// UpdateIf applies fields only when every key in cond equals the stored
	// value; otherwise it returns ErrPreconditionFailed.
	UpdateIf(ctx context.Context, collection, id string, cond, fields map[string]any) error
	// Subscribe delivers the current state of the document and then every
	// change, in order, until the subscription is cancelled or ctx ends.
	Subscribe(ctx context.Context, collection, id string, onChange func(Snapshot)) (Subscription, error)
	Close() error
}

type Subscription interface {
	Cancel()
}

// Snapshot is a point-in-time view of one document. Data is nil when the
// document does not exist.
type Snapshot struct {
	ID     string
	Exists bool
	Data   map[string]any
}

// DataTo decodes the snapshot into v using the json field tags.
func (s Snapshot) DataTo(v any) error {
	if !s.Exists {
		return ErrNotFound
	}
	b, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("docstore: encode %s: %w", s.ID, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("docstore: decode %s: %w", s.ID, err)
	}
	return nil
}

// ToFields converts a tagged struct (or map) to plain document fields.
func ToFields(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode fields: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("docstore: fields must be an object: %w", err)
	}
	return out, nil
}

// valuesEqual compares two field values by their encoded form so that
// int64(5) from a caller matches float64(5) read back from storage.
func valuesEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func matches(data, cond map[string]any) bool {
	for k, want := range cond {
		got, ok := data[k]
		if !ok && want != nil {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}
