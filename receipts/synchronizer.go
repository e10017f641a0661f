////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package receipts applies inbound messages and read, delivery, unread and
// delete events to the message store.
//
// Every operation is idempotent: replaying an event changes nothing after
// the first application. Read state is monotonic. A read receipt applies only
// when it is newer than both the recorded read and the recorded unread
// reversal, so receipts arriving out of order cannot regress a message.
package receipts

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-collections/collections/set"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"
	"go.uber.org/ratelimit"

	"gitlab.com/elixxir/chatsync/bus"
	"gitlab.com/elixxir/chatsync/message"
	"gitlab.com/elixxir/chatsync/persistence"
	"gitlab.com/elixxir/chatsync/router"
	"gitlab.com/elixxir/chatsync/store"
)

// SentChecker reports whether a message ID belongs to one of the user's own
// acknowledged sends.
type SentChecker interface {
	CheckIfSent(messageID string) bool
}

// Poster runs tasks on the session's event loop.
type Poster interface {
	Post(task func()) bool
}

// Params configures the synchronizer.
type Params struct {
	// MarkReadRate is the maximum number of mark-read requests per second.
	MarkReadRate int

	// MarkReadTimeout bounds one mark-read request.
	MarkReadTimeout time.Duration
}

// GetDefaultParams returns a Params object containing the default parameters.
func GetDefaultParams() Params {
	return Params{
		MarkReadRate:    5,
		MarkReadTimeout: 10 * time.Second,
	}
}

// GetParameters returns the default Params, or override with given
// parameters, if set.
func GetParameters(params string) (Params, error) {
	p := GetDefaultParams()
	if len(params) > 0 {
		err := json.Unmarshal([]byte(params), &p)
		if err != nil {
			return Params{}, err
		}
	}
	return p, nil
}

// Outcome is the result of applying an inbound message.
type Outcome struct {
	// Echo is set when the message was the user's own and was discarded.
	Echo bool

	// Duplicate is set when the message was already stored.
	Duplicate bool

	// Decision is the routing of a newly applied message.
	Decision router.Decision
}

// Synchronizer applies inbound events for the user self. Every Apply method
// must be called from the session's event loop.
type Synchronizer struct {
	self   string
	params Params

	messages *store.Store
	convs    *store.Conversations
	focus    *router.Focus
	sent     SentChecker

	svc     persistence.Service
	loop    Poster
	limiter ratelimit.Limiter

	// markingRead holds conversations with a mark-read request in flight.
	markingRead map[message.Key]bool
	inFlight    sync.WaitGroup
}

// NewSynchronizer builds a synchronizer for the user self.
func NewSynchronizer(self string, p Params, messages *store.Store,
	convs *store.Conversations, focus *router.Focus, sent SentChecker,
	svc persistence.Service, loop Poster) *Synchronizer {
	rate := p.MarkReadRate
	if rate <= 0 {
		rate = GetDefaultParams().MarkReadRate
	}
	return &Synchronizer{
		self:        self,
		params:      p,
		messages:    messages,
		convs:       convs,
		focus:       focus,
		sent:        sent,
		svc:         svc,
		loop:        loop,
		limiter:     ratelimit.New(rate, ratelimit.WithoutSlack),
		markingRead: make(map[message.Key]bool),
	}
}

// ApplyReceived applies an inbound message. The user's own messages looped
// back by the transport are discarded. A message for the open conversation is
// applied in place and marked read; any other bumps its conversation's unread
// count and yields a notification.
func (s *Synchronizer) ApplyReceived(ev bus.NewMessage) Outcome {
	rec := ev.Record
	if rec.SenderID == s.self || s.sent.CheckIfSent(rec.ID) {
		jww.TRACE.Printf("[SYNC] Discarding echo of %s", rec.ID)
		return Outcome{Echo: true}
	}

	if rec.Conversation == "" {
		rec.Conversation = s.conversationOf(rec)
	}
	if rec.State == message.Pending || rec.State == message.Failed {
		rec.State = message.Sent
	}

	inserted, err := s.messages.Insert(rec)
	if err != nil {
		jww.WARN.Printf("[SYNC] Dropping inbound message: %+v", err)
		return Outcome{Duplicate: true}
	}
	if !inserted {
		return Outcome{Duplicate: true}
	}
	ev.Record = rec

	active := s.focus.IsActive(rec.Conversation)
	if active {
		s.convs.Track(rec)
		s.RequestMarkRead(rec.Conversation)
		return Outcome{Decision: router.RouteIncoming(ev, true)}
	}

	s.convs.Bump(rec)
	summary, _ := s.convs.Get(rec.Conversation)
	d := router.Route(ev, false, summary, netTime.Now())
	jww.DEBUG.Printf("[SYNC] %s from %s in background conversation %s",
		rec.ID, rec.SenderID, rec.Conversation)
	return Outcome{Decision: d}
}

// ApplyReadReceipt marks the user's messages to the reader as read. With no
// affected IDs every such message in the conversation is marked. Returns the
// number of messages that changed.
func (s *Synchronizer) ApplyReadReceipt(ev bus.ReadReceipt) int {
	readAt := ev.ReadAt
	if readAt.IsZero() {
		readAt = netTime.Now()
	}
	conv := ev.Conversation
	if conv == "" {
		conv = message.DirectKey(s.self, ev.ReaderID)
	}

	patch := func(rec *message.Record) bool {
		if rec.SenderID != s.self || !rec.State.Acknowledged() {
			return false
		}
		if rec.ReadAt != nil && !readAt.After(*rec.ReadAt) {
			jww.TRACE.Printf("[SYNC] Stale read of %s at %s, read at %s",
				rec.ID, readAt, rec.ReadAt)
			return false
		}
		if rec.UnreadAt != nil && !readAt.After(*rec.UnreadAt) {
			jww.TRACE.Printf("[SYNC] Stale read of %s at %s, unread at %s",
				rec.ID, readAt, rec.UnreadAt)
			return false
		}
		at := readAt
		rec.ReadAt = &at
		rec.State = message.Read
		return true
	}

	return s.applyToSent(conv, ev.AffectedIDs, patch)
}

// ApplyDeliveryReceipt moves the user's sent messages to delivered. It never
// downgrades a read message.
func (s *Synchronizer) ApplyDeliveryReceipt(ev bus.DeliveryReceipt) int {
	conv := ev.Conversation
	if conv == "" {
		conv = message.DirectKey(s.self, ev.RecipientID)
	}

	patch := func(rec *message.Record) bool {
		if rec.SenderID != s.self || rec.State != message.Sent {
			return false
		}
		rec.State = message.Delivered
		return true
	}

	return s.applyToSent(conv, ev.AffectedIDs, patch)
}

// ApplyUnreadReversal reverts messages the reader marked unread to
// delivered. It only applies while the conversation with the reader is open;
// reversals for background conversations are ignored.
func (s *Synchronizer) ApplyUnreadReversal(ev bus.UnreadReversal) int {
	conv := message.DirectKey(s.self, ev.ReaderID)
	if !s.focus.IsActive(conv) {
		jww.TRACE.Printf("[SYNC] Ignoring unread reversal by %s, %s is not "+
			"open", ev.ReaderID, conv)
		return 0
	}

	at := ev.At
	if at.IsZero() {
		at = netTime.Now()
	}

	patch := func(rec *message.Record) bool {
		if rec.SenderID != s.self {
			return false
		}
		if rec.UnreadAt != nil && !at.After(*rec.UnreadAt) {
			return false
		}
		if rec.ReadAt != nil && !at.After(*rec.ReadAt) {
			jww.TRACE.Printf("[SYNC] Stale unread of %s at %s, read at %s",
				rec.ID, at, rec.ReadAt)
			return false
		}
		if rec.State != message.Read {
			return false
		}
		unreadAt := at
		rec.ReadAt = nil
		rec.UnreadAt = &unreadAt
		rec.State = message.Delivered
		return true
	}

	return s.applyToSent(conv, ev.AffectedIDs, patch)
}

// ApplyDeleted applies a deletion. A deletion for everyone is only honored
// from the message's sender and leaves a tombstone; a deletion for self is
// only honored from the user's own sessions and removes the message.
func (s *Synchronizer) ApplyDeleted(ev bus.Deleted) int {
	var changed int
	for _, id := range ev.IDs {
		if !ev.ForEveryone {
			if ev.ActorID != s.self {
				continue
			}
			if s.messages.Remove(id) {
				changed++
			}
			continue
		}

		patch := func(rec *message.Record) bool {
			if rec.SenderID != ev.ActorID {
				jww.WARN.Printf("[SYNC] %s cannot delete %s sent by %s",
					ev.ActorID, rec.ID, rec.SenderID)
				return false
			}
			if rec.DeletedForEveryone {
				return false
			}
			rec.DeletedForEveryone = true
			return true
		}
		if _, exists := s.messages.Get(id); exists {
			if ok, _ := s.messages.Patch(id, patch); ok {
				changed++
			}
			continue
		}
		s.messages.Defer(id, patch)
	}
	return changed
}

// RequestMarkRead asks the persistence service to mark the conversation read.
// The unread count is reset only once the service confirms, and only for the
// messages that were unread when the request was made. A request for a
// conversation that already has one in flight is dropped. Failures are logged
// and not retried.
func (s *Synchronizer) RequestMarkRead(conv message.Key) {
	if s.markingRead[conv] {
		return
	}
	s.markingRead[conv] = true
	mark := s.convs.ReadMark(conv)

	s.inFlight.Add(1)
	go func() {
		s.limiter.Take()
		ctx, cancel := context.WithTimeout(context.Background(),
			s.params.MarkReadTimeout)
		n, err := s.svc.MarkRead(ctx, conv)
		cancel()

		posted := s.loop.Post(func() {
			defer s.inFlight.Done()
			delete(s.markingRead, conv)
			if err != nil {
				jww.WARN.Printf("[SYNC] Failed to mark %s read: %+v", conv, err)
				return
			}
			jww.DEBUG.Printf("[SYNC] Marked %s read, %d messages changed",
				conv, n)
			s.convs.ConfirmRead(conv, mark)
		})
		if !posted {
			s.inFlight.Done()
		}
	}()
}

// Wait blocks until every in-flight mark-read has been applied. It must not be
// called from the event loop.
func (s *Synchronizer) Wait() {
	s.inFlight.Wait()
}

// Reset forgets in-flight bookkeeping. Used on logout.
func (s *Synchronizer) Reset() {
	s.markingRead = make(map[message.Key]bool)
}

// applyToSent applies patch to the conversation's messages, restricted to
// ids when given. Patches for IDs not yet stored are deferred until the
// record appears.
func (s *Synchronizer) applyToSent(conv message.Key, ids []string,
	patch store.Patch) int {
	if len(ids) == 0 {
		return len(s.messages.Update(conv, patch))
	}

	affected := set.New()
	for _, id := range ids {
		affected.Insert(id)
	}

	changed := len(s.messages.Update(conv, func(rec *message.Record) bool {
		if !affected.Has(rec.ID) && !affected.Has(rec.LocalID) {
			return false
		}
		return patch(rec)
	}))

	for _, id := range ids {
		if _, exists := s.messages.Get(id); !exists {
			s.messages.Defer(id, patch)
		}
	}
	return changed
}

func (s *Synchronizer) conversationOf(rec message.Record) message.Key {
	if rec.GroupID != "" {
		return message.GroupKey(rec.GroupID)
	}
	return message.DirectKey(rec.SenderID, rec.RecipientID)
}
