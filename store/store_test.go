////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package store

import (
	"math/rand"
	"os"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"

	"gitlab.com/elixxir/chatsync/message"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelTrace)
	os.Exit(m.Run())
}

var (
	conv = message.DirectKey("A", "B")
	t0   = time.Date(2022, 3, 4, 10, 0, 0, 0, time.UTC)
)

func optimistic(localID string, at time.Time) message.Record {
	return message.Record{
		LocalID:      localID,
		Conversation: conv,
		SenderID:     "A",
		RecipientID:  "B",
		Body:         message.NewText("hi"),
		CreatedAt:    at,
		State:        message.Pending,
	}
}

func canonical(id string, at time.Time) message.Record {
	return message.Record{
		ID:           id,
		Conversation: conv,
		SenderID:     "B",
		RecipientID:  "A",
		Body:         message.NewText("hello"),
		CreatedAt:    at,
		State:        message.Sent,
	}
}

func keys(recs []message.Record) []string {
	out := make([]string, len(recs))
	for i := range recs {
		out[i] = recs[i].Key()
	}
	return out
}

// Tests the send and acknowledgment scenario: one pending record becomes one
// sent record with the server ID.
func TestStore_Reconcile(t *testing.T) {
	s := New()
	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, s.InsertOptimistic(optimistic("L1", t0)))
	msgs := s.Messages(conv)
	require.Len(t, msgs, 1)
	require.Equal(t, message.Pending, msgs[0].State)

	serverTime := t0.Add(2 * time.Second)
	applied, err := s.Reconcile("L1", Ack{ID: "S1", CreatedAt: serverTime})
	require.NoError(t, err)
	require.True(t, applied)

	msgs = s.Messages(conv)
	require.Len(t, msgs, 1)
	require.Equal(t, "S1", msgs[0].ID)
	require.Equal(t, message.Sent, msgs[0].State)
	require.Equal(t, serverTime, msgs[0].CreatedAt)
	require.Equal(t, "hi", msgs[0].Body.Text)

	// Both keys resolve to the same record
	byID, ok := s.Get("S1")
	require.True(t, ok)
	byLocal, ok := s.Get("L1")
	require.True(t, ok)
	require.Equal(t, byID, byLocal)

	require.Equal(t, []Change{
		{Conversation: conv, Key: "L1", Op: Inserted},
		{Conversation: conv, Key: "S1", Op: Reconciled},
	}, changes)
}

// Tests that applying the same acknowledgment twice leaves the state of a
// single application.
func TestStore_Reconcile_Idempotent(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertOptimistic(optimistic("L1", t0)))
	ack := Ack{ID: "S1", CreatedAt: t0.Add(time.Second),
		Body: message.NewText("hi!")}

	_, err := s.Reconcile("L1", ack)
	require.NoError(t, err)
	once := s.Messages(conv)

	applied, err := s.Reconcile("L1", ack)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, once, s.Messages(conv))

	// A different ID for the same local ID is also ignored
	applied, err = s.Reconcile("L1", Ack{ID: "S9"})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, once, s.Messages(conv))
}

// Tests that reconciling an unknown local ID is an error.
func TestStore_Reconcile_Unknown(t *testing.T) {
	s := New()
	_, err := s.Reconcile("L1", Ack{ID: "S1"})
	require.True(t, errors.Is(err, ErrUnknownMessage))
}

// Tests that a reconciled record keeps its position even when the server
// timestamp would sort it elsewhere.
func TestStore_Reconcile_KeepsPosition(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertOptimistic(optimistic("L1", t0)))
	_, err := s.Insert(canonical("S2", t0.Add(time.Second)))
	require.NoError(t, err)
	_, err = s.Insert(canonical("S3", t0.Add(2*time.Second)))
	require.NoError(t, err)

	_, err = s.Reconcile("L1", Ack{ID: "S1", CreatedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, []string{"S1", "S2", "S3"}, keys(s.Messages(conv)))
}

// Tests that random interleavings of inserts and reconciliations produce a
// list sorted by insertion time in which reconciled records never move.
func TestStore_Order(t *testing.T) {
	prng := rand.New(rand.NewSource(42))
	s := New()

	var pending []string
	for i := 0; i < 200; i++ {
		at := t0.Add(time.Duration(prng.Intn(1000)) * time.Millisecond)
		switch prng.Intn(3) {
		case 0:
			id := "L" + strconv.Itoa(i)
			require.NoError(t, s.InsertOptimistic(optimistic(id, at)))
			pending = append(pending, id)
		case 1:
			_, err := s.Insert(canonical("C"+strconv.Itoa(i), at))
			require.NoError(t, err)
		case 2:
			if len(pending) == 0 {
				continue
			}
			j := prng.Intn(len(pending))
			localID := pending[j]
			pending = append(pending[:j], pending[j+1:]...)

			before := keyIndex(s.Messages(conv), localID)
			shift := time.Duration(prng.Intn(2000)-1000) * time.Millisecond
			_, err := s.Reconcile(localID, Ack{ID: "S" + localID,
				CreatedAt: at.Add(shift)})
			require.NoError(t, err)
			require.Equal(t, before, keyIndex(s.Messages(conv), "S"+localID))
		}
	}

	orders := make([]time.Time, 0, s.Len(conv))
	for _, e := range s.convs[conv] {
		orders = append(orders, e.order)
	}
	require.True(t, sort.SliceIsSorted(orders, func(i, j int) bool {
		return orders[i].Before(orders[j])
	}))
}

func keyIndex(recs []message.Record, key string) int {
	for i := range recs {
		if recs[i].HasKey(key) {
			return i
		}
	}
	return -1
}

// Tests that a duplicate canonical insert is absorbed.
func TestStore_Insert_Duplicate(t *testing.T) {
	s := New()
	inserted, err := s.Insert(canonical("S1", t0))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.Insert(canonical("S1", t0))
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, 1, s.Len(conv))

	_, err = s.Insert(optimistic("L1", t0))
	require.True(t, errors.Is(err, ErrMissingID))
	require.True(t, errors.Is(s.InsertOptimistic(canonical("S2", t0)),
		ErrMissingLocalID))
}

// Tests that a patch addressed to a server ID that arrives before the ack is
// applied on reconciliation.
func TestStore_Defer(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertOptimistic(optimistic("L1", t0)))

	readAt := t0.Add(time.Minute)
	s.Defer("S1", func(rec *message.Record) bool {
		rec.ReadAt = &readAt
		rec.State = message.Read
		return true
	})
	rec, _ := s.Get("L1")
	require.Nil(t, rec.ReadAt)

	_, err := s.Reconcile("L1", Ack{ID: "S1", CreatedAt: t0})
	require.NoError(t, err)

	rec, _ = s.Get("S1")
	require.Equal(t, message.Read, rec.State)
	require.Equal(t, readAt, *rec.ReadAt)
	require.Empty(t, s.deferred)

	// Known IDs are patched immediately
	s.Defer("S1", func(rec *message.Record) bool {
		rec.Starred = true
		return true
	})
	rec, _ = s.Get("S1")
	require.True(t, rec.Starred)
}

// Tests that a canonical copy stored before the ack of its optimistic record
// is reported removed when the two are merged.
func TestStore_Reconcile_CanonicalFirst(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertOptimistic(optimistic("L1", t0)))
	early := canonical("S1", t0.Add(time.Second))
	early.SenderID = "A"
	_, err := s.Insert(early)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len(conv))

	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	applied, err := s.Reconcile("L1", Ack{ID: "S1", CreatedAt: t0})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, []string{"S1"}, keys(s.Messages(conv)))

	rec, ok := s.Get("L1")
	require.True(t, ok)
	require.Equal(t, "S1", rec.ID)

	require.Equal(t, []Change{
		{Conversation: conv, Key: "S1", Op: Removed},
		{Conversation: conv, Key: "S1", Op: Reconciled},
	}, changes)
}

// Tests that patches are held for a bounded number of unknown IDs and that
// the oldest are dropped first.
func TestStore_Defer_Bounded(t *testing.T) {
	s := New()
	star := func(rec *message.Record) bool {
		rec.Starred = true
		return true
	}

	for i := 0; i < maxDeferred+10; i++ {
		s.Defer("S"+strconv.Itoa(i), star)
	}
	require.Equal(t, maxDeferred, s.Pending())

	// S0 was dropped, the newest is still held
	_, err := s.Insert(canonical("S0", t0))
	require.NoError(t, err)
	rec, _ := s.Get("S0")
	require.False(t, rec.Starred)

	newest := "S" + strconv.Itoa(maxDeferred+9)
	_, err = s.Insert(canonical(newest, t0))
	require.NoError(t, err)
	rec, _ = s.Get(newest)
	require.True(t, rec.Starred)
	require.Equal(t, maxDeferred-1, s.Pending())

	// Applied IDs do not keep the order list growing
	for i := 0; i < 4*maxDeferred; i++ {
		id := "R" + strconv.Itoa(i)
		s.Defer(id, star)
		_, err = s.Insert(canonical(id, t0))
		require.NoError(t, err)
	}
	require.Equal(t, maxDeferred-1, s.Pending())
	require.LessOrEqual(t, len(s.deferOrder), 2*maxDeferred)

	s.Clear()
	require.Zero(t, s.Pending())
	require.Empty(t, s.deferOrder)
}

// Tests that patches cannot change the keys of a record.
func TestStore_Patch(t *testing.T) {
	s := New()
	_, err := s.Insert(canonical("S1", t0))
	require.NoError(t, err)

	changed, err := s.Patch("S1", func(rec *message.Record) bool {
		rec.ID = "S2"
		rec.Starred = true
		return true
	})
	require.NoError(t, err)
	require.True(t, changed)

	rec, ok := s.Get("S1")
	require.True(t, ok)
	require.True(t, rec.Starred)
	_, ok = s.Get("S2")
	require.False(t, ok)

	_, err = s.Patch("S9", func(*message.Record) bool { return true })
	require.True(t, errors.Is(err, ErrUnknownMessage))
}

// Tests removal by either key.
func TestStore_Remove(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertOptimistic(optimistic("L1", t0)))
	_, err := s.Reconcile("L1", Ack{ID: "S1"})
	require.NoError(t, err)
	_, err = s.Insert(canonical("S2", t0.Add(time.Second)))
	require.NoError(t, err)

	require.True(t, s.Remove("L1"))
	require.False(t, s.Remove("S1"))
	require.Equal(t, []string{"S2"}, keys(s.Messages(conv)))

	last, ok := s.Last(conv)
	require.True(t, ok)
	require.Equal(t, "S2", last.ID)
}

// Tests that records returned by the store are copies.
func TestStore_Get_Copy(t *testing.T) {
	s := New()
	_, err := s.Insert(canonical("S1", t0))
	require.NoError(t, err)

	rec, _ := s.Get("S1")
	rec.Starred = true
	rec2, _ := s.Get("S1")
	require.False(t, rec2.Starred)
}

// Tests Update over a conversation.
func TestStore_Update(t *testing.T) {
	s := New()
	require.NoError(t, s.InsertOptimistic(optimistic("L1", t0)))
	_, err := s.Insert(canonical("S2", t0.Add(time.Second)))
	require.NoError(t, err)

	changed := s.Update(conv, func(rec *message.Record) bool {
		if rec.SenderID != "A" {
			return false
		}
		rec.Starred = true
		return true
	})
	require.Equal(t, []string{"L1"}, changed)
}
