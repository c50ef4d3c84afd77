// Package diskv implements an edx-mfe storage backend using the diskv key-value store.
package diskv

import (
	"path/filepath"
	"github.com/SuriyaPasupathi/edx-mfe/storage/kv"

	nlkv "github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/micromdm/nanolib/storage/kv/kvtxn"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a storage backend that uses diskv.
type Diskv struct {
	*kv.KV
}

// PrefixTransform fans keys out by their first rune so large
// installations do not accumulate one giant directory per bucket.
func PrefixTransform(key string) []string {
	if len(key) > 0 {
		return []string{key[0:1]}
	}
	return []string{"_"}
}

func newBucket(path, name string, transform diskv.TransformFunction) nlkv.TxnBucketWithCRUD {
	return kvtxn.New(kvdiskv.New(diskv.New(diskv.Options{
		BasePath:     filepath.Join(path, name),
		Transform:    transform,
		CacheSizeMax: 1024 * 1024,
	})))
}

// New creates a new storage backend that uses diskv rooted at path.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(
		newBucket(path, "links", PrefixTransform),
		newBucket(path, "sessions", PrefixTransform),
	)}
}
