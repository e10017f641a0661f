////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package versioned is a prefixed, versioned key value store on top of an
// ekv.KeyValue. Every key written through a KV tree is indexed so the whole
// tree can be purged at logout.
package versioned

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"
)

// PrefixSeparator separates the segments of a prefixed key.
const PrefixSeparator = "/"

// indexKey is where the key index of a tree is stored. It cannot collide with
// a key made by makeKey, which always ends with a version.
const indexKey = "versionedKeyIndex"

type root struct {
	data ekv.KeyValue

	index  keyIndex
	loaded bool
	mux    sync.Mutex
}

// KV stores versioned objects under a prefix. KVs made with Prefix share the
// same backing store and key index.
type KV struct {
	r      *root
	prefix string
}

// NewKV returns a KV with no prefix backed by data.
func NewKV(data ekv.KeyValue) *KV {
	return &KV{r: &root{data: data, index: make(keyIndex)}}
}

// Get returns the object stored under the key and version. Use Exists on the
// error to tell a missing key from a failure.
func (v *KV) Get(key string, version uint64) (*Object, error) {
	full := v.makeKey(key, version)
	result := &Object{}
	if err := v.r.data.Get(full, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Set upserts an object under the key and the object's version.
func (v *KV) Set(key string, object *Object) error {
	full := v.makeKey(key, object.Version)

	v.r.mux.Lock()
	defer v.r.mux.Unlock()

	if err := v.r.data.Set(full, object); err != nil {
		return errors.Wrapf(err, "failed to set %s", full)
	}
	if err := v.r.loadIndex(); err != nil {
		return err
	}
	if _, exists := v.r.index[full]; exists {
		return nil
	}
	v.r.index[full] = struct{}{}
	return v.r.saveIndex()
}

// Delete removes the key and version from the store.
func (v *KV) Delete(key string, version uint64) error {
	full := v.makeKey(key, version)
	jww.TRACE.Printf("[KV] Deleting %s", full)

	v.r.mux.Lock()
	defer v.r.mux.Unlock()

	if err := v.r.data.Delete(full); err != nil && ekv.Exists(err) {
		return errors.Wrapf(err, "failed to delete %s", full)
	}
	if err := v.r.loadIndex(); err != nil {
		return err
	}
	if _, exists := v.r.index[full]; !exists {
		return nil
	}
	delete(v.r.index, full)
	return v.r.saveIndex()
}

// Purge deletes every key written through any KV sharing this one's backing
// store, then the key index itself.
func (v *KV) Purge() error {
	v.r.mux.Lock()
	defer v.r.mux.Unlock()

	if err := v.r.loadIndex(); err != nil {
		return err
	}

	var failed int
	for full := range v.r.index {
		err := v.r.data.Delete(full)
		if err != nil && ekv.Exists(err) {
			jww.ERROR.Printf("[KV] Failed to purge %s: %+v", full, err)
			failed++
			continue
		}
		delete(v.r.index, full)
	}
	if failed > 0 {
		return errors.Errorf("failed to purge %d keys", failed)
	}

	if err := v.r.data.Delete(indexKey); err != nil && ekv.Exists(err) {
		return errors.Wrap(err, "failed to delete key index")
	}
	jww.INFO.Printf("[KV] Purged all stored keys")
	return nil
}

// Prefix returns a KV whose keys are nested under prefix.
func (v *KV) Prefix(prefix string) *KV {
	return &KV{
		r:      v.r,
		prefix: v.prefix + prefix + PrefixSeparator,
	}
}

// GetPrefix returns the prefix of the KV.
func (v *KV) GetPrefix() string {
	return v.prefix
}

// GetFullKey returns the key with all prefixes and the version applied.
func (v *KV) GetFullKey(key string, version uint64) string {
	return v.makeKey(key, version)
}

// IsMemStore returns true if the KV is backed by an in-memory store.
func (v *KV) IsMemStore() bool {
	_, success := v.r.data.(*ekv.Memstore)
	return success
}

// Exists returns false if the error indicates the element doesn't exist.
func (v *KV) Exists(err error) bool {
	return ekv.Exists(err)
}

func (v *KV) makeKey(key string, version uint64) string {
	return fmt.Sprintf("%s%s_%d", v.prefix, key, version)
}

// loadIndex reads the key index on first use. Must be called with the lock
// held.
func (r *root) loadIndex() error {
	if r.loaded {
		return nil
	}
	stored := make(keyIndex)
	err := r.data.Get(indexKey, stored)
	if err != nil && ekv.Exists(err) {
		return errors.Wrap(err, "failed to load key index")
	}
	for k := range stored {
		r.index[k] = struct{}{}
	}
	r.loaded = true
	return nil
}

// saveIndex must be called with the lock held.
func (r *root) saveIndex() error {
	if err := r.data.Set(indexKey, r.index); err != nil {
		return errors.Wrap(err, "failed to save key index")
	}
	return nil
}
