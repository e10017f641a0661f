////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/elixxir/chatsync/stoppable"
)

// Tests that tasks run in posting order, including tasks posted from inside a
// running task.
func TestLoop_Order(t *testing.T) {
	l := New("test")
	stop := l.Start()
	defer stop.Close()

	var order []int
	l.Do(func() {
		order = append(order, 1)
		l.Post(func() { order = append(order, 3) })
		order = append(order, 2)
	})
	// The nested task was queued behind the outer one
	l.Do(func() {})

	require.Equal(t, []int{1, 2, 3}, order)
}

// Tests that Post and Do refuse work once the loop is stopped.
func TestLoop_Stopped(t *testing.T) {
	l := New("test")
	stop := l.Start()
	require.NoError(t, stop.Close())
	require.NoError(t, stoppable.WaitForStopped(stop, time.Second))

	require.False(t, l.Post(func() {}))
	require.False(t, l.Do(func() { t.Error("task ran on a stopped loop") }))
}

// Tests that a Do waiting on a loop that stops returns false instead of
// hanging.
func TestLoop_DoUnblocksOnStop(t *testing.T) {
	l := New("test")
	stop := l.Start()

	release := make(chan struct{})
	l.Post(func() { <-release })

	result := make(chan bool)
	go func() { result <- l.Do(func() {}) }()

	require.NoError(t, stop.Close())
	close(release)

	select {
	case <-result:
	case <-time.After(time.Second):
		t.Fatal("Do did not return after the loop stopped")
	}
}
