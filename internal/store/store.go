// Package store abstracts the shared realtime store: a hierarchical
// key-value tree with point reads, partial-field merges, child listing,
// live change subscriptions, and server-assigned timestamps. Consistency
// is last-writer-wins per path with no cross-path ordering, so callers
// must design their coordination to be idempotent and order-tolerant.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event is delivered to watchers: a read-consistent snapshot of the
// direct record children under the watched path, keyed by child name.
type Event struct {
	Path     string
	Children map[string]json.RawMessage
}

// Store is the only shared mutable resource in the system. It offers no
// cross-client locks; SetIfAbsent is the single atomic primitive,
// reserved for exclusive-claim operations.
type Store interface {
	// Get unmarshals the record at path into out. Found is false when
	// no record exists.
	Get(ctx context.Context, path string, out any) (found bool, err error)
	// Set replaces the record at path.
	Set(ctx context.Context, path string, value any) error
	// Merge updates only the given fields of the record at path,
	// creating it if absent. Other fields are untouched.
	Merge(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the record at path.
	Delete(ctx context.Context, path string) error
	// List returns the direct record children of path keyed by child
	// name. Child keys produced by PushKey sort in creation order.
	List(ctx context.Context, path string) (map[string]json.RawMessage, error)
	// SetIfAbsent atomically claims path with value; claimed is false
	// when a record already exists.
	SetIfAbsent(ctx context.Context, path string, value any) (claimed bool, err error)
	// Watch delivers a snapshot event whenever anything under path
	// changes. The channel closes when ctx is done.
	Watch(ctx context.Context, path string) (<-chan Event, error)
	// Now is the store's server timestamp, usable as a logical clock.
	Now(ctx context.Context) time.Time
}

// PushKey generates a child key that sorts after all keys generated
// earlier, mimicking server-assigned push ids.
func PushKey(now time.Time) string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%013d-%s", now.UnixMilli(), hex.EncodeToString(b))
}

func marshalFields(value any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("record at a path must be a JSON object: %w", err)
	}
	return fields, nil
}
