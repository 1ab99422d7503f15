// Package store defines the document database contract used as the signaling
// relay, plus an in-memory implementation.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Update when the target document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Data is the field map of a single document.
type Data map[string]any

// Timestamp is a point in time with millisecond precision. Every backend
// round-trips it exactly, so two timestamps can be compared with ==.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts t to a Timestamp, dropping sub-millisecond precision.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts the timestamp back to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t == 0
}

// DocumentRef addresses a document by its parent collection path and ID.
type DocumentRef struct {
	Parent string
	ID     string
}

// Path returns the full slash-joined path of the document.
func (r DocumentRef) Path() string {
	return r.Parent + "/" + r.ID
}

// Child returns the path of the named sub-collection of this document.
func (r DocumentRef) Child(name string) string {
	return r.Path() + "/" + name
}

// IsZero reports whether the ref is unset.
func (r DocumentRef) IsZero() bool {
	return r.ID == ""
}

// ParseRef splits a document path into its parent collection and ID.
func ParseRef(path string) (DocumentRef, bool) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return DocumentRef{}, false
	}
	return DocumentRef{Parent: path[:i], ID: path[i+1:]}, true
}

// NewID returns a fresh document ID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Snapshot is a read of one document.
type Snapshot struct {
	Ref    DocumentRef
	Exists bool
	Data   Data
}

// Decode copies the snapshot fields into v using the json tags of v.
func (s Snapshot) Decode(v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(s.Data))
}

// ChangeType is the kind of a collection change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one document change delivered to a subscriber.
type Change struct {
	Type ChangeType
	Doc  Snapshot
}

// Clause is an equality filter on a single field.
type Clause struct {
	Field string
	Value any
}

// Where builds an equality clause.
func Where(field string, value any) Clause {
	return Clause{Field: field, Value: value}
}

// Matches reports whether data satisfies the clause.
func (c Clause) Matches(data Data) bool {
	v, ok := data[c.Field]
	if !ok {
		return false
	}
	return equal(v, c.Value)
}

// MatchAny reports whether data satisfies at least one clause. No clauses
// match everything.
func MatchAny(data Data, clauses []Clause) bool {
	if len(clauses) == 0 {
		return true
	}
	for _, c := range clauses {
		if c.Matches(data) {
			return true
		}
	}
	return false
}

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Batch collects deletes that are committed atomically.
type Batch interface {
	Delete(ref DocumentRef)
	Commit(ctx context.Context) error
}

// Store is the document database used for signaling.
type Store interface {
	// NewRef allocates a reference with a fresh ID without writing anything.
	NewRef(collection string) DocumentRef
	// Create writes a new document with an auto-assigned ID.
	Create(ctx context.Context, collection string, data Data) (DocumentRef, error)
	// Set writes the document, replacing it unless merge is true.
	Set(ctx context.Context, ref DocumentRef, data Data, merge bool) error
	// Update changes the given fields of an existing document.
	Update(ctx context.Context, ref DocumentRef, data Data) error
	Delete(ctx context.Context, ref DocumentRef) error
	Get(ctx context.Context, ref DocumentRef) (Snapshot, error)
	// Query returns the documents of collection matching any of the clauses.
	Query(ctx context.Context, collection string, clauses ...Clause) ([]Snapshot, error)
	List(ctx context.Context, collection string) ([]Snapshot, error)
	// Subscribe delivers the current documents as added changes, then every
	// later change, in order, until unsubscribed or ctx is done.
	Subscribe(ctx context.Context, collection string, onChange func([]Change), onError func(error)) (Unsubscribe, error)
	Batch() Batch
	Close(ctx context.Context) error
}
