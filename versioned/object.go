////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package versioned

import (
	"encoding/json"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"
)

// Object wraps stored data with its format version and the time it was
// written.
type Object struct {
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}

// NewObject wraps data written now.
func NewObject(data []byte, version uint64) *Object {
	return &Object{
		Version:   version,
		Timestamp: netTime.Now(),
		Data:      data,
	}
}

// Marshal serializes the Object for the underlying ekv.KeyValue.
func (o *Object) Marshal() []byte {
	data, err := json.Marshal(o)
	if err != nil {
		jww.FATAL.Panicf("Failed to marshal versioned object: %+v", err)
	}
	return data
}

// Unmarshal deserializes an Object written by Marshal.
func (o *Object) Unmarshal(data []byte) error {
	return json.Unmarshal(data, o)
}

// keyIndex is the set of full keys written through a KV tree.
type keyIndex map[string]struct{}

func (ki keyIndex) Marshal() []byte {
	keys := make([]string, 0, len(ki))
	for k := range ki {
		keys = append(keys, k)
	}
	data, err := json.Marshal(keys)
	if err != nil {
		jww.FATAL.Panicf("Failed to marshal key index: %+v", err)
	}
	return data
}

func (ki keyIndex) Unmarshal(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	for _, k := range keys {
		ki[k] = struct{}{}
	}
	return nil
}
