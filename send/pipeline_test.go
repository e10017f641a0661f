////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package send

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/elixxir/chatsync/bus"
	"gitlab.com/elixxir/chatsync/eventloop"
	"gitlab.com/elixxir/chatsync/message"
	"gitlab.com/elixxir/chatsync/persistence"
	"gitlab.com/elixxir/chatsync/store"
	"gitlab.com/elixxir/chatsync/versioned"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelTrace)
	os.Exit(m.Run())
}

var serverTime = time.Date(2022, 3, 4, 10, 0, 0, 0, time.UTC)

// mockService acknowledges submissions with sequential IDs. When release is
// set, each submission waits for a value on it first.
type mockService struct {
	submits []persistence.Submission
	release chan struct{}
	err     error
	mux     sync.Mutex
}

func (ms *mockService) SubmitMessage(_ context.Context,
	s persistence.Submission) (persistence.Ack, error) {
	ms.mux.Lock()
	ms.submits = append(ms.submits, s)
	n := len(ms.submits)
	release, err := ms.release, ms.err
	ms.mux.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return persistence.Ack{}, err
	}
	return persistence.Ack{ID: "S" + strconv.Itoa(n), LocalID: s.LocalID,
		CreatedAt: serverTime, Body: s.Body}, nil
}

func (ms *mockService) MarkRead(context.Context, message.Key) (int, error) {
	return 0, nil
}
func (ms *mockService) MarkUnread(context.Context, message.Key, string) error {
	return nil
}
func (ms *mockService) SetStarred(context.Context, string, bool) error {
	return nil
}
func (ms *mockService) Delete(context.Context, []string, bool) error {
	return nil
}

func (ms *mockService) count() int {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	return len(ms.submits)
}

type emitted struct {
	name    string
	payload interface{}
}

type mockEmitter struct {
	list []emitted
	mux  sync.Mutex
}

func (me *mockEmitter) Emit(name string, payload interface{}) error {
	me.mux.Lock()
	me.list = append(me.list, emitted{name, payload})
	me.mux.Unlock()
	return nil
}

func (me *mockEmitter) emitted() []emitted {
	me.mux.Lock()
	defer me.mux.Unlock()
	return append([]emitted{}, me.list...)
}

type harness struct {
	p        *Pipeline
	loop     *eventloop.Loop
	messages *store.Store
	convs    *store.Conversations
	svc      *mockService
	emitter  *mockEmitter
	kv       *versioned.KV
}

func newHarness(t *testing.T, kv *versioned.KV) *harness {
	if kv == nil {
		kv = versioned.NewKV(ekv.MakeMemstore())
	}
	h := &harness{
		loop:     eventloop.New("send"),
		messages: store.New(),
		convs:    store.NewConversations("A"),
		svc:      &mockService{},
		emitter:  &mockEmitter{},
		kv:       kv,
	}
	stop := h.loop.Start()
	t.Cleanup(func() { _ = stop.Close() })

	h.p = NewPipeline("A", GetDefaultParams(), h.messages, h.convs,
		NewTracker(kv), h.svc, h.emitter, h.loop)
	return h
}

func (h *harness) send(t *testing.T, conv message.Key, body message.Body,
	replyTo string) string {
	var localID string
	var err error
	require.True(t, h.loop.Do(func() {
		localID, err = h.p.Send(conv, body, replyTo)
	}))
	require.NoError(t, err)
	return localID
}

func (h *harness) messagesOf(conv message.Key) []message.Record {
	var recs []message.Record
	h.loop.Do(func() { recs = h.messages.Messages(conv) })
	return recs
}

// Tests the send and acknowledgment scenario: a pending record appears at
// once, the acknowledgment turns it into exactly one sent record, and the
// peer is notified only after the acknowledgment.
func TestPipeline_Send(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.release = make(chan struct{})
	conv := message.DirectKey("A", "B")

	localID := h.send(t, conv, message.NewText("hi"), "")

	recs := h.messagesOf(conv)
	require.Len(t, recs, 1)
	require.Equal(t, message.Pending, recs[0].State)
	require.Equal(t, localID, recs[0].LocalID)
	require.Empty(t, recs[0].ID)
	require.Equal(t, "B", recs[0].RecipientID)
	require.Empty(t, h.emitter.emitted())

	close(h.svc.release)
	h.p.Wait()

	recs = h.messagesOf(conv)
	require.Len(t, recs, 1)
	require.Equal(t, "S1", recs[0].ID)
	require.Equal(t, message.Sent, recs[0].State)
	require.Equal(t, serverTime, recs[0].CreatedAt)

	e := h.emitter.emitted()
	require.Len(t, e, 1)
	require.Equal(t, bus.SendMessageEvent, e[0].name)
	require.Equal(t, "S1", e[0].payload.(message.Record).ID)

	require.True(t, h.p.tracker.CheckIfSent("S1"))
	s, _ := h.convs.Get(conv)
	require.Equal(t, "S1", s.LastMessage.ID)
	require.Equal(t, uint(0), s.UnreadCount)
}

// Tests that a second acknowledgment for the same send changes nothing.
func TestPipeline_DuplicateAck(t *testing.T) {
	h := newHarness(t, nil)
	conv := message.DirectKey("A", "B")
	localID := h.send(t, conv, message.NewText("hi"), "")
	h.p.Wait()
	once := h.messagesOf(conv)

	ack := persistence.Ack{ID: "S1", CreatedAt: serverTime.Add(time.Hour)}
	h.loop.Do(func() { h.p.acknowledge(localID, ack) })
	h.p.Wait()

	require.Equal(t, once, h.messagesOf(conv))
	require.Len(t, h.emitter.emitted(), 1)
}

// Tests that a failed submission marks the record failed, keeps it visible,
// and neither retries nor notifies the peer.
func TestPipeline_Send_Failure(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.err = errors.New("503 service unavailable")
	conv := message.DirectKey("A", "B")

	localID := h.send(t, conv, message.NewText("hi"), "")
	h.p.Wait()

	recs := h.messagesOf(conv)
	require.Len(t, recs, 1)
	require.Equal(t, message.Failed, recs[0].State)
	require.Equal(t, localID, recs[0].LocalID)
	require.Equal(t, 1, h.svc.count())
	require.Empty(t, h.emitter.emitted())
	require.False(t, h.p.tracker.IsPending(localID))
}

// Tests that a failed send can be retried under the same local ID.
func TestPipeline_Retry(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.err = errors.New("timeout")
	conv := message.DirectKey("A", "B")
	localID := h.send(t, conv, message.NewText("hi"), "")
	h.p.Wait()

	h.svc.mux.Lock()
	h.svc.err = nil
	h.svc.mux.Unlock()

	var err error
	h.loop.Do(func() { err = h.p.Retry(localID) })
	require.NoError(t, err)
	h.p.Wait()

	recs := h.messagesOf(conv)
	require.Len(t, recs, 1)
	require.Equal(t, message.Sent, recs[0].State)
	require.Equal(t, localID, recs[0].LocalID)
	require.Equal(t, "S2", recs[0].ID)

	// Only failed sends can be retried
	h.loop.Do(func() { err = h.p.Retry(localID) })
	require.True(t, errors.Is(err, ErrNotFailed))
}

// Tests that the reply reference survives reconciliation.
func TestPipeline_Send_ReplyTo(t *testing.T) {
	h := newHarness(t, nil)
	conv := message.GroupKey("G1")
	h.send(t, conv, message.NewText("re"), "S0")
	h.p.Wait()

	recs := h.messagesOf(conv)
	require.Len(t, recs, 1)
	require.Equal(t, "S0", recs[0].ReplyTo)
	require.Equal(t, "G1", recs[0].GroupID)
	require.Equal(t, message.Sent, recs[0].State)
}

// Tests that invalid sends insert nothing and submit nothing.
func TestPipeline_Send_Invalid(t *testing.T) {
	h := newHarness(t, nil)

	var err error
	h.loop.Do(func() {
		_, err = h.p.Send(message.DirectKey("A", "B"), message.Body{}, "")
	})
	require.True(t, errors.Is(err, message.ErrEmptyBody))

	h.loop.Do(func() {
		_, err = h.p.Send(message.DirectKey("B", "C"),
			message.NewText("hi"), "")
	})
	require.True(t, errors.Is(err, ErrNotMember))

	require.Empty(t, h.messagesOf(message.DirectKey("A", "B")))
	require.Equal(t, 0, h.svc.count())
}

// Tests that sends left pending by a previous run are reported failed on
// start.
func TestPipeline_Start_Leftovers(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	conv := message.DirectKey("A", "B")

	previous := NewTracker(kv)
	require.NoError(t, previous.DenotePending("L1", conv))

	h := newHarness(t, kv)
	var leftover []string
	var err error
	h.loop.Do(func() {
		require.NoError(t, h.messages.InsertOptimistic(message.Record{
			LocalID: "L1", Conversation: conv, SenderID: "A",
			RecipientID: "B", Body: message.NewText("hi"),
			CreatedAt: serverTime, State: message.Pending}))
		leftover, err = h.p.Start()
	})
	require.NoError(t, err)
	require.Equal(t, []string{"L1"}, leftover)
	require.Equal(t, message.Failed, h.messagesOf(conv)[0].State)

	// The leftover list is cleared in storage
	again, err := NewTracker(kv).Load()
	require.NoError(t, err)
	require.Empty(t, again)
}

// Tests that an acknowledgment or a failure still reaches the record when the
// tracker cannot write to storage.
func TestPipeline_StorageFailure(t *testing.T) {
	data := &failingKV{KeyValue: ekv.MakeMemstore()}
	h := newHarness(t, versioned.NewKV(data))
	h.svc.release = make(chan struct{})
	conv := message.DirectKey("A", "B")

	h.send(t, conv, message.NewText("hi"), "")
	data.fail = true
	close(h.svc.release)
	h.p.Wait()

	recs := h.messagesOf(conv)
	require.Len(t, recs, 1)
	require.Equal(t, "S1", recs[0].ID)
	require.Equal(t, message.Sent, recs[0].State)
	require.Len(t, h.emitter.emitted(), 1)

	data.fail = false
	h.svc.mux.Lock()
	h.svc.release = make(chan struct{})
	h.svc.err = errors.New("timeout")
	h.svc.mux.Unlock()
	localID := h.send(t, conv, message.NewText("again"), "")
	data.fail = true
	close(h.svc.release)
	h.p.Wait()

	var rec message.Record
	h.loop.Do(func() { rec, _ = h.messages.Get(localID) })
	require.Equal(t, message.Failed, rec.State)
	require.False(t, h.p.tracker.IsPending(localID))
}
