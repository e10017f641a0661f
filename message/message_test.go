////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Tests that DirectKey is symmetric and Peer resolves both sides.
func TestDirectKey(t *testing.T) {
	k := DirectKey("B", "A")
	require.Equal(t, Key("A-B"), k)
	require.Equal(t, k, DirectKey("A", "B"))
	require.False(t, k.IsGroup())

	peer, ok := k.Peer("A")
	require.True(t, ok)
	require.Equal(t, "B", peer)

	peer, ok = k.Peer("B")
	require.True(t, ok)
	require.Equal(t, "A", peer)

	_, ok = k.Peer("C")
	require.False(t, ok)
}

// Tests that Peer resolves IDs that contain the key separator.
func TestDirectKey_DashedIDs(t *testing.T) {
	a := "0189e4a2-7c1b-7d3e-9f00-3a1b2c3d4e5f"
	b := "0189e4a2-7c1b-7d3e-9f00-aabbccddeeff"
	k := DirectKey(b, a)

	peer, ok := k.Peer(a)
	require.True(t, ok)
	require.Equal(t, b, peer)

	peer, ok = k.Peer(b)
	require.True(t, ok)
	require.Equal(t, a, peer)

	_, ok = k.Peer("0189e4a2-7c1b-7d3e-9f00-000000000000")
	require.False(t, ok)

	peer, ok = DirectKey("a-b", "a").Peer("a")
	require.True(t, ok)
	require.Equal(t, "a-b", peer)
}

func TestGroupKey(t *testing.T) {
	k := GroupKey("g1")
	require.True(t, k.IsGroup())
	require.Equal(t, "g1", k.GroupID())
	_, ok := k.Peer("A")
	require.False(t, ok)
	require.Equal(t, "", DirectKey("A", "B").GroupID())
}

// Tests that each invalid body shape returns the expected error.
func TestBody_Validate(t *testing.T) {
	tests := []struct {
		body Body
		err  error
	}{
		{NewText("hi"), nil},
		{NewMedia(ImageKind, "img/1.png", ""), nil},
		{NewMedia(FileKind, "f/1", "report.pdf"), nil},
		{Body{}, ErrEmptyBody},
		{NewText("   "), ErrEmptyBody},
		{Body{Kind: TextKind, Text: "hi", Ref: "x"}, ErrMixedBody},
		{Body{Kind: VideoKind, Ref: "v", Text: "caption"}, ErrMixedBody},
		{NewMedia(AudioKind, "", ""), ErrMissingMedia},
	}

	for i, tt := range tests {
		err := tt.body.Validate()
		if tt.err == nil {
			require.NoError(t, err, "case %d", i)
		} else {
			require.ErrorIs(t, err, tt.err, "case %d", i)
		}
	}

	err := Body{Kind: 99, Text: "x"}.Validate()
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDeliveryState_CanTransition(t *testing.T) {
	require.True(t, Pending.CanTransition(Sent))
	require.True(t, Pending.CanTransition(Failed))
	require.True(t, Failed.CanTransition(Pending))
	require.True(t, Sent.CanTransition(Read))
	require.True(t, Read.CanTransition(Delivered))

	require.False(t, Read.CanTransition(Read))
	require.False(t, Read.CanTransition(Pending))
	require.False(t, Delivered.CanTransition(Sent))
	require.False(t, Failed.CanTransition(Sent))
}

// Tests that a record deleted for everyone renders a tombstone and that Copy
// does not share the timestamp pointers.
func TestRecord_RenderableAndCopy(t *testing.T) {
	now := time.Now()
	r := &Record{LocalID: "L1", Body: NewMedia(ImageKind, "i", ""),
		ReadAt: &now}
	require.Equal(t, "L1", r.Key())
	require.True(t, r.HasKey("L1"))
	require.False(t, r.HasKey(""))

	r.ID = "S1"
	require.Equal(t, "S1", r.Key())
	require.True(t, r.HasKey("L1"))

	c := r.Copy()
	*c.ReadAt = now.Add(time.Hour)
	require.True(t, r.ReadAt.Equal(now))

	r.DeletedForEveryone = true
	require.Equal(t, TextKind, r.Renderable().Kind)
	require.Equal(t, tombstone, r.Renderable().Text)
}

func TestMute_Active(t *testing.T) {
	now := time.Now()
	require.False(t, Mute{}.Active(now))
	require.True(t, Mute{Indefinite: true}.Active(now))
	require.True(t, Mute{Until: now.Add(time.Minute)}.Active(now))
	require.False(t, Mute{Until: now.Add(-time.Minute)}.Active(now))
}
