////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Multi groups several stoppables so that they are closed together.
type Multi struct {
	stoppables []Stoppable
	name       string
	running    uint32
	mux        sync.RWMutex
	once       sync.Once
}

// NewMulti returns a new multi Stoppable.
func NewMulti(name string) *Multi {
	return &Multi{
		name:    name,
		running: 1,
	}
}

// Add adds a stoppable to the group.
func (m *Multi) Add(s Stoppable) {
	m.mux.Lock()
	m.stoppables = append(m.stoppables, s)
	m.mux.Unlock()
}

// Name returns the name of the group followed by the names of its members.
func (m *Multi) Name() string {
	m.mux.RLock()
	defer m.mux.RUnlock()

	names := make([]string, len(m.stoppables))
	for i, s := range m.stoppables {
		names[i] = s.Name()
	}
	return m.name + "{" + strings.Join(names, ", ") + "}"
}

// IsRunning returns true if Close has not been called.
func (m *Multi) IsRunning() bool {
	return atomic.LoadUint32(&m.running) == 1
}

// IsStopped returns true when every member has stopped.
func (m *Multi) IsStopped() bool {
	m.mux.RLock()
	defer m.mux.RUnlock()
	for _, s := range m.stoppables {
		if !s.IsStopped() {
			return false
		}
	}
	return !m.IsRunning()
}

// Close closes every member in the order they were added. Only the first call
// has an effect. Returns an error if any member fails to close.
func (m *Multi) Close() error {
	var err error
	m.once.Do(func() {
		atomic.StoreUint32(&m.running, 0)

		m.mux.RLock()
		defer m.mux.RUnlock()

		numErrors := 0
		for _, s := range m.stoppables {
			if s.Close() != nil {
				numErrors++
			}
		}

		if numErrors > 0 {
			err = errors.Errorf("multi stoppable %s failed to close "+
				"%d/%d stoppables", m.name, numErrors, len(m.stoppables))
			jww.ERROR.Print(err.Error())
		}
	})
	return err
}
