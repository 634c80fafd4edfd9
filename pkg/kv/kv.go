// Package kv stores small records under hierarchical keys.
//
// Keys are segment slices (Key{"device", "identity"}) joined by a
// separator byte in the encoded form. Two implementations are provided:
// Badger persists through BadgerDB and holds the device state between
// runs, and Memory is a map for tests.
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrNotFound reports a missing key.
var ErrNotFound = errors.New("kv: not found")

// Key addresses a record as a path of segments. Segments must not
// contain the store's separator byte.
type Key []string

// String renders the key with ':' between segments for display. Storage
// encoding goes through Options instead.
func (k Key) String() string { return strings.Join(k, ":") }

// Entry pairs a key with its value for List and BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store under hierarchical keys.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// List yields entries under prefix in lexicographic order of the
	// encoded key. An empty prefix lists the whole store.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet stores all entries in one write.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes all keys in one write.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases the store's resources.
	Close() error
}

// DefaultSeparator joins key segments unless Options overrides it.
const DefaultSeparator byte = ':'

// Options is configuration shared by the store implementations. A nil
// *Options means all defaults.
type Options struct {
	// Separator joins key segments in the encoded form. Zero means
	// DefaultSeparator.
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// encode joins the segments with the separator. A segment containing the
// separator would corrupt the keyspace, so it panics.
func (o *Options) encode(k Key) []byte {
	s := o.sep()
	for _, seg := range k {
		if strings.IndexByte(seg, s) >= 0 {
			panic(fmt.Sprintf("kv: key segment %q contains separator %q", seg, s))
		}
	}
	return []byte(strings.Join(k, string(s)))
}

// decode splits an encoded key back into segments.
func (o *Options) decode(b []byte) Key {
	return Key(strings.Split(string(b), string(o.sep())))
}
