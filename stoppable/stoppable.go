////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package stoppable provides handles for stopping the long-running goroutines
// of a session (the event loop, the connection run loop and the transport
// reader) and for waiting until they have exited.
package stoppable

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Stoppable is the interface for stopping a goroutine.
type Stoppable interface {
	// Close signals the goroutine to stop. It does not wait for it.
	Close() error

	// IsRunning returns true if Close has not been called.
	IsRunning() bool

	// IsStopped returns true once the goroutine has exited.
	IsStopped() bool

	// Name returns a name for the stoppable used in logs.
	Name() string
}

// Status holds the current status of a stoppable.
type Status uint32

const (
	Running Status = iota
	Stopping
	Stopped
)

// String prints a string representation of the status. This function
// adheres to the fmt.Stringer interface.
func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "INVALID STATUS: " + strconv.FormatUint(uint64(s), 10)
	}
}

// Error message.
const timeoutErr = "timed out after %s waiting for %s to stop"

// pollPeriod is how often WaitForStopped checks the stoppable.
const pollPeriod = 5 * time.Millisecond

// WaitForStopped polls the stoppable until it reports stopped or the timeout
// elapses.
func WaitForStopped(s Stoppable, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for !s.IsStopped() {
		select {
		case <-deadline.C:
			err := errors.Errorf(timeoutErr, timeout, s.Name())
			jww.WARN.Print(err.Error())
			return err
		case <-ticker.C:
		}
	}
	return nil
}
