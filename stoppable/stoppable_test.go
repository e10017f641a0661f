////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"os"
	"testing"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelTrace)
	os.Exit(m.Run())
}

// runSingle starts a goroutine that exits when the Single quits.
func runSingle(name string) *Single {
	s := NewSingle(name)
	go func() {
		<-s.Quit()
		s.ToStopped()
	}()
	return s
}

// Unit test of Status.String.
func TestStatus_String(t *testing.T) {
	require.Equal(t, "running", Running.String())
	require.Equal(t, "stopping", Stopping.String())
	require.Equal(t, "stopped", Stopped.String())
	require.Equal(t, "INVALID STATUS: 100", Status(100).String())
}

// Tests that a Single moves through running, stopping and stopped, and that a
// second Close returns an error.
func TestSingle_Close(t *testing.T) {
	s := runSingle("test")
	require.True(t, s.IsRunning())

	require.NoError(t, s.Close())
	require.NoError(t, WaitForStopped(s, time.Second))
	require.True(t, s.IsStopped())

	require.Error(t, s.Close())
}

// Error path: WaitForStopped times out on a goroutine that never exits.
func TestWaitForStopped_Timeout(t *testing.T) {
	s := NewSingle("stuck")
	require.NoError(t, s.Close())
	require.True(t, s.IsStopping())

	err := WaitForStopped(s, 20*time.Millisecond)
	require.Error(t, err)
}

// Tests that closing a Multi closes every member.
func TestMulti_Close(t *testing.T) {
	m := NewMulti("group")
	a, b := runSingle("a"), runSingle("b")
	m.Add(a)
	m.Add(b)
	require.Equal(t, "group{a, b}", m.Name())
	require.False(t, m.IsStopped())

	require.NoError(t, m.Close())
	require.NoError(t, WaitForStopped(m, time.Second))
	require.False(t, m.IsRunning())
	require.True(t, a.IsStopped())
	require.True(t, b.IsStopped())

	// Closing again is a no-op
	require.NoError(t, m.Close())
}

// Error path: a member that was already closed makes Multi.Close fail.
func TestMulti_Close_MemberError(t *testing.T) {
	m := NewMulti("group")
	a := runSingle("a")
	require.NoError(t, a.Close())
	m.Add(a)
	require.Error(t, m.Close())
}
