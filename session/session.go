////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package session is the entry point of the chat core. A Session owns the
// connection, the stores and the pipelines of one logged-in user and exposes
// the operations the UI calls.
//
// Every mutation of local state runs on a single event loop. The exported
// methods post to that loop and wait, so they may be called from any
// goroutine except from inside a session callback.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/chatsync/bus"
	"gitlab.com/elixxir/chatsync/connection"
	"gitlab.com/elixxir/chatsync/eventloop"
	"gitlab.com/elixxir/chatsync/message"
	"gitlab.com/elixxir/chatsync/persistence"
	"gitlab.com/elixxir/chatsync/receipts"
	"gitlab.com/elixxir/chatsync/router"
	"gitlab.com/elixxir/chatsync/send"
	"gitlab.com/elixxir/chatsync/stoppable"
	"gitlab.com/elixxir/chatsync/storage"
	"gitlab.com/elixxir/chatsync/store"
	"gitlab.com/elixxir/chatsync/versioned"
)

// Error messages.
var (
	ErrStopped         = errors.New("session is stopped")
	ErrNoUser          = errors.New("session needs a user ID")
	ErrMissingDeps     = errors.New("session needs a transport, a service and a KV")
	ErrUnknownMessage  = errors.New("no such message")
	ErrNotAcknowledged = errors.New("message has not been acknowledged by the server")
	ErrNotSender       = errors.New("only the sender can delete a message for everyone")
	ErrOwnMessage      = errors.New("cannot mark an own message unread")
	ErrSubscribed      = errors.New("a subscriber with that name already exists")
)

// Session is the core of one logged-in user.
type Session struct {
	self   string
	params Params

	loop     *eventloop.Loop
	stop     *stoppable.Multi
	events   *bus.Bus
	conn     *connection.Manager

	messages *store.Store
	convs    *store.Conversations
	focus    *router.Focus
	presence *router.PresenceTable
	tracker  *send.Tracker
	pipeline *send.Pipeline
	receipts *receipts.Synchronizer

	svc    persistence.Service
	kv     *versioned.KV
	mirror *storage.Mirror

	subscribers   map[string]ChangeCallback
	convCallbacks []ConversationCallback
	notifications []NotificationCallback
	sessionEvents []EventCallback
	cbMux         sync.Mutex

	teardownOnce sync.Once
}

// New builds a session for p.UserID and restores its state from the mirror,
// if one is given. Sends left unfinished by a previous run are marked
// failed. The connection is not opened until Start.
func New(p Params, d Deps) (*Session, error) {
	if p.UserID == "" {
		return nil, ErrNoUser
	}
	if d.Transport == nil || d.Service == nil || d.KV == nil {
		return nil, ErrMissingDeps
	}

	s := &Session{
		self:        p.UserID,
		params:      p,
		loop:        eventloop.New("session"),
		events:      bus.New(),
		messages:    store.New(),
		convs:       store.NewConversations(p.UserID),
		focus:       &router.Focus{},
		presence:    router.NewPresenceTable(),
		tracker:     send.NewTracker(d.KV),
		svc:         d.Service,
		kv:          d.KV,
		mirror:      d.Mirror,
		subscribers: make(map[string]ChangeCallback),
	}
	s.conn = connection.NewManager(p.Connection, d.Transport, s.deliver)
	s.pipeline = send.NewPipeline(s.self, p.Send, s.messages, s.convs,
		s.tracker, s.svc, s.conn, s.loop)
	s.receipts = receipts.NewSynchronizer(s.self, p.Receipts, s.messages,
		s.convs, s.focus, s.tracker, s.svc, s.loop)

	if err := s.registerHandlers(); err != nil {
		return nil, err
	}
	s.conn.OnForceLogout(s.forceLogout)

	s.stop = stoppable.NewMulti("session")
	s.stop.Add(s.loop.Start())
	var err error
	if !s.loop.Do(func() { err = s.restore() }) {
		err = ErrStopped
	}
	if err != nil {
		_ = s.stop.Close()
		return nil, errors.WithMessage(err, "failed to restore session")
	}

	jww.INFO.Printf("[SESSION] Session of %s ready", s.self)
	return s, nil
}

// Start opens the connection with the token. It returns immediately; use
// OnSessionEvent to learn about failures.
func (s *Session) Start(token string) error {
	if !s.stop.IsRunning() {
		return ErrStopped
	}
	return s.conn.Connect(token)
}

// Close disconnects and stops the session, keeping local state for the next
// run. Closing a stopped session does nothing.
func (s *Session) Close() error {
	err := s.conn.Disconnect()
	s.Wait()
	if closeErr := s.stop.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Logout disconnects and tears the session down, erasing all local state.
func (s *Session) Logout() error {
	err := s.conn.Disconnect()
	s.teardown("")
	return err
}

// Wait blocks until every in-flight send and mark-read has been applied and
// every queued event handled.
func (s *Session) Wait() {
	s.pipeline.Wait()
	s.receipts.Wait()
	s.loop.Do(func() {})
}

/* UI operations */

// Send posts a message to the conversation and returns the local ID of the
// optimistic record.
func (s *Session) Send(conv message.Key, body message.Body,
	replyTo string) (string, error) {
	var localID string
	var err error
	if doErr := s.do(func() {
		localID, err = s.pipeline.Send(conv, body, replyTo)
	}); doErr != nil {
		return "", doErr
	}
	return localID, err
}

// Retry resubmits a failed send.
func (s *Session) Retry(localID string) error {
	var err error
	if doErr := s.do(func() { err = s.pipeline.Retry(localID) }); doErr != nil {
		return doErr
	}
	return err
}

// OpenConversation makes conv the open conversation and marks it read.
func (s *Session) OpenConversation(conv message.Key) error {
	return s.do(func() {
		if s.focus.Open(conv) {
			jww.DEBUG.Printf("[SESSION] Opened %s", conv)
			s.receipts.RequestMarkRead(conv)
		}
	})
}

// CloseConversation closes conv if it is open.
func (s *Session) CloseConversation(conv message.Key) error {
	return s.do(func() { s.focus.Close(conv) })
}

// Background closes the open conversation, if any, when the app leaves the
// foreground.
func (s *Session) Background() error {
	return s.do(s.focus.CloseAll)
}

// ToggleStar flips the starred flag of the message once the server confirms.
// Returns the new flag.
func (s *Session) ToggleStar(messageID string) (bool, error) {
	rec, err := s.get(messageID)
	if err != nil {
		return false, err
	}
	if rec.ID == "" {
		return false, errors.WithMessagef(ErrNotAcknowledged, "%s", messageID)
	}

	starred := !rec.Starred
	ctx, cancel := s.actionContext()
	err = s.svc.SetStarred(ctx, rec.ID, starred)
	cancel()
	if err != nil {
		return rec.Starred, err
	}

	err = s.do(func() {
		_, _ = s.messages.Patch(rec.ID, func(r *message.Record) bool {
			if r.Starred == starred {
				return false
			}
			r.Starred = starred
			return true
		})
	})
	return starred, err
}

// DeleteMessages deletes the messages for the user, or for everyone when
// forEveryone is set. Only the sender may delete for everyone. Sends the
// server never acknowledged are only removed locally.
func (s *Session) DeleteMessages(ids []string, forEveryone bool) error {
	var serverIDs, localOnly []string
	var err error
	if doErr := s.do(func() {
		for _, id := range ids {
			rec, exists := s.messages.Get(id)
			if !exists {
				err = errors.WithMessagef(ErrUnknownMessage, "%s", id)
				return
			}
			if forEveryone && rec.SenderID != s.self {
				err = errors.WithMessagef(ErrNotSender, "%s", id)
				return
			}
			if rec.ID == "" {
				localOnly = append(localOnly, rec.LocalID)
			} else {
				serverIDs = append(serverIDs, rec.ID)
			}
		}
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	if len(serverIDs) > 0 {
		ctx, cancel := s.actionContext()
		err = s.svc.Delete(ctx, serverIDs, forEveryone)
		cancel()
		if err != nil {
			return err
		}
	}

	return s.do(func() {
		for _, localID := range localOnly {
			s.messages.Remove(localID)
		}
		n := s.receipts.ApplyDeleted(bus.Deleted{ActorID: s.self,
			IDs: serverIDs, ForEveryone: forEveryone})
		jww.DEBUG.Printf("[SESSION] Deleted %d messages, %d local only",
			n, len(localOnly))
	})
}

// MarkUnread marks the conversation unread from targetID on. The server is
// told first; the sender is notified and the local unread count set only once
// it confirms. The conversation is closed so the next inbound message does
// not mark it read again.
func (s *Session) MarkUnread(conv message.Key, targetID string) error {
	rec, err := s.get(targetID)
	if err != nil {
		return err
	}
	if rec.SenderID == s.self {
		return errors.WithMessagef(ErrOwnMessage, "%s", targetID)
	}

	ctx, cancel := s.actionContext()
	err = s.svc.MarkUnread(ctx, conv, rec.ID)
	cancel()
	if err != nil {
		return err
	}

	err = s.conn.Emit(bus.MarkUnreadEvent, bus.MarkUnread{
		ReaderID:     s.self,
		SenderID:     rec.SenderID,
		Conversation: conv,
		TargetID:     rec.ID,
	})
	if err != nil {
		jww.WARN.Printf("[SESSION] Failed to tell %s about unread %s: %+v",
			rec.SenderID, rec.ID, err)
	}

	return s.do(func() {
		s.focus.Close(conv)
		s.convs.SetUnread(conv, 1)
	})
}

/* Conversation settings */

// These change the local view only. Keeping them on the server is left to
// the conversation management layer.

// SetPinned pins or unpins the conversation in the sidebar.
func (s *Session) SetPinned(conv message.Key, pinned bool) error {
	return s.do(func() { s.convs.SetPinned(conv, pinned) })
}

// SetFavorite marks or unmarks the conversation as a favorite.
func (s *Session) SetFavorite(conv message.Key, favorite bool) error {
	return s.do(func() { s.convs.SetFavorite(conv, favorite) })
}

// SetArchived moves the conversation into or out of the archive.
func (s *Session) SetArchived(conv message.Key, archived bool) error {
	return s.do(func() { s.convs.SetArchived(conv, archived) })
}

// SetMute silences notifications for the conversation until m expires. A zero
// Mute unmutes it.
func (s *Session) SetMute(conv message.Key, m message.Mute) error {
	return s.do(func() { s.convs.SetMute(conv, m) })
}

/* Subscriptions */

// Subscribe registers a callback for every message store change under a
// unique name.
func (s *Session) Subscribe(name string, cb ChangeCallback) error {
	s.cbMux.Lock()
	defer s.cbMux.Unlock()
	if _, exists := s.subscribers[name]; exists {
		return errors.WithMessagef(ErrSubscribed, "%q", name)
	}
	s.subscribers[name] = cb
	return nil
}

// Unsubscribe removes the subscriber with the given name.
func (s *Session) Unsubscribe(name string) {
	s.cbMux.Lock()
	delete(s.subscribers, name)
	s.cbMux.Unlock()
}

// OnConversationChange registers a callback for conversation summary
// changes.
func (s *Session) OnConversationChange(cb ConversationCallback) {
	s.cbMux.Lock()
	s.convCallbacks = append(s.convCallbacks, cb)
	s.cbMux.Unlock()
}

// OnNotification registers a callback for background notifications.
func (s *Session) OnNotification(cb NotificationCallback) {
	s.cbMux.Lock()
	s.notifications = append(s.notifications, cb)
	s.cbMux.Unlock()
}

// OnSessionEvent registers a callback for session level events.
func (s *Session) OnSessionEvent(cb EventCallback) {
	s.cbMux.Lock()
	s.sessionEvents = append(s.sessionEvents, cb)
	s.cbMux.Unlock()
}

/* Queries */

// Messages returns the messages of the conversation in display order.
func (s *Session) Messages(conv message.Key) []message.Record {
	var list []message.Record
	_ = s.do(func() { list = s.messages.Messages(conv) })
	return list
}

// Conversation returns the summary of the conversation.
func (s *Session) Conversation(conv message.Key) (message.Summary, bool) {
	var summary message.Summary
	var exists bool
	_ = s.do(func() { summary, exists = s.convs.Get(conv) })
	return summary, exists
}

// Conversations returns every conversation summary in sidebar order.
func (s *Session) Conversations() []message.Summary {
	var list []message.Summary
	_ = s.do(func() { list = s.convs.List() })
	return list
}

// Badge returns the aggregate unread count.
func (s *Session) Badge() uint {
	var badge uint
	_ = s.do(func() { badge = router.Badge(s.convs.List()) })
	return badge
}

// ActiveConversation returns the open conversation.
func (s *Session) ActiveConversation() (message.Key, bool) {
	var conv message.Key
	var open bool
	_ = s.do(func() { conv, open = s.focus.Active() })
	return conv, open
}

// Presence returns the last known status of the user.
func (s *Session) Presence(userID string) (router.Presence, bool) {
	return s.presence.Get(userID)
}

// ConnectionState returns the state of the connection.
func (s *Session) ConnectionState() connection.State {
	return s.conn.State()
}

/* Internals */

func (s *Session) do(task func()) error {
	if !s.loop.Do(task) {
		return ErrStopped
	}
	return nil
}

func (s *Session) get(key string) (message.Record, error) {
	var rec message.Record
	var exists bool
	if err := s.do(func() { rec, exists = s.messages.Get(key) }); err != nil {
		return rec, err
	}
	if !exists {
		return rec, errors.WithMessagef(ErrUnknownMessage, "%s", key)
	}
	return rec, nil
}

func (s *Session) actionContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.params.ActionTimeout)
}

// deliver hands an inbound event from the connection to the loop.
func (s *Session) deliver(e bus.Event) {
	if !s.loop.Post(func() { s.events.Dispatch(e) }) {
		jww.DEBUG.Printf("[SESSION] Dropping %s, session is stopped", e.Kind())
	}
}

func (s *Session) registerHandlers() error {
	handlers := []struct {
		name string
		kind bus.Kind
		h    bus.Handler
	}{
		{"receipts.message", bus.NewMessageKind, func(e bus.Event) {
			s.onNewMessage(e.(bus.NewMessage))
		}},
		{"receipts.read", bus.ReadReceiptKind, func(e bus.Event) {
			s.receipts.ApplyReadReceipt(e.(bus.ReadReceipt))
		}},
		{"receipts.delivered", bus.DeliveryReceiptKind, func(e bus.Event) {
			s.receipts.ApplyDeliveryReceipt(e.(bus.DeliveryReceipt))
		}},
		{"receipts.unread", bus.UnreadReversalKind, func(e bus.Event) {
			s.receipts.ApplyUnreadReversal(e.(bus.UnreadReversal))
		}},
		{"receipts.deleted", bus.DeletedKind, func(e bus.Event) {
			s.receipts.ApplyDeleted(e.(bus.Deleted))
		}},
		{"router.presence", bus.StatusChangeKind, func(e bus.Event) {
			s.presence.Apply(e.(bus.StatusChange))
		}},
		{"session.lifecycle", bus.LifecycleKind, func(e bus.Event) {
			s.onLifecycle(e.(bus.Lifecycle))
		}},
	}

	for _, r := range handlers {
		if err := s.events.Register(r.name, r.kind, r.h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) onNewMessage(ev bus.NewMessage) {
	out := s.receipts.ApplyReceived(ev)
	if out.Decision.Notification == nil {
		return
	}
	n := *out.Decision.Notification

	s.cbMux.Lock()
	callbacks := make([]NotificationCallback, len(s.notifications))
	copy(callbacks, s.notifications)
	s.cbMux.Unlock()
	for _, cb := range callbacks {
		cb(n)
	}
}

func (s *Session) onLifecycle(ev bus.Lifecycle) {
	switch ev.State {
	case bus.Connected, bus.Disconnected:
		jww.INFO.Printf("[SESSION] Connection %s", ev.State)
	case bus.ReconnectFailed:
		s.fire(Event{Kind: ReconnectFailed, Err: ev.Err})
	case bus.AuthRejected:
		s.fire(Event{Kind: AuthRejected, Err: ev.Err})
	}
}

// onMessageChange keeps the mirror and the conversation snapshots in step
// with the store, then informs subscribers.
func (s *Session) onMessageChange(c store.Change) {
	if c.Op == store.Removed {
		if s.mirror != nil {
			if err := s.mirror.DeleteMessage(c.Key); err != nil {
				jww.WARN.Printf("[SESSION] Failed to mirror removal of %s: "+
					"%+v", c.Key, err)
			}
		}
		summary, exists := s.convs.Get(c.Conversation)
		if exists && summary.LastMessage != nil &&
			summary.LastMessage.HasKey(c.Key) {
			if last, ok := s.messages.Last(c.Conversation); ok {
				s.convs.SetLastMessage(c.Conversation, &last)
			} else {
				s.convs.SetLastMessage(c.Conversation, nil)
			}
		}
	} else if rec, exists := s.messages.Get(c.Key); exists {
		if s.mirror != nil {
			if err := s.mirror.SaveMessage(rec); err != nil {
				jww.WARN.Printf("[SESSION] Failed to mirror %s: %+v",
					c.Key, err)
			}
		}
		if c.Op == store.Updated {
			summary, _ := s.convs.Get(c.Conversation)
			if summary.LastMessage != nil &&
				(summary.LastMessage.HasKey(rec.ID) ||
					summary.LastMessage.HasKey(rec.LocalID)) {
				s.convs.Track(rec)
			}
		}
	}

	s.cbMux.Lock()
	callbacks := make([]ChangeCallback, 0, len(s.subscribers))
	for _, cb := range s.subscribers {
		callbacks = append(callbacks, cb)
	}
	s.cbMux.Unlock()
	for _, cb := range callbacks {
		cb(c)
	}
}

func (s *Session) onSummaryChange(conv message.Key) {
	if s.mirror != nil {
		if summary, exists := s.convs.Get(conv); exists {
			if err := s.mirror.SaveSummary(summary); err != nil {
				jww.WARN.Printf("[SESSION] Failed to mirror summary of %s: "+
					"%+v", conv, err)
			}
		}
	}

	s.cbMux.Lock()
	callbacks := make([]ConversationCallback, len(s.convCallbacks))
	copy(callbacks, s.convCallbacks)
	s.cbMux.Unlock()
	for _, cb := range callbacks {
		cb(conv)
	}
}

func (s *Session) fire(e Event) {
	jww.INFO.Printf("[SESSION] %s", e.Kind)
	s.cbMux.Lock()
	callbacks := make([]EventCallback, len(s.sessionEvents))
	copy(callbacks, s.sessionEvents)
	s.cbMux.Unlock()
	for _, cb := range callbacks {
		cb(e)
	}
}

// restore fills the stores from the mirror and wires the change callbacks.
// Runs on the loop before any event is delivered.
func (s *Session) restore() error {
	if s.mirror != nil {
		records, summaries, err := s.mirror.Load()
		if err != nil {
			return err
		}
		for _, rec := range records {
			// A send without a server ID did not survive the restart
			if rec.ID == "" && rec.State == message.Pending {
				rec.State = message.Failed
			}
			if rec.ID == "" {
				err = s.messages.InsertOptimistic(rec)
			} else {
				_, err = s.messages.Insert(rec)
			}
			if err != nil {
				jww.WARN.Printf("[SESSION] Skipping stored %s: %+v",
					rec.Key(), err)
			}
		}
		for _, summary := range summaries {
			last := summary.LastMessage
			if last != nil && last.ID == "" && last.State == message.Pending {
				last.State = message.Failed
			}
			s.convs.Restore(summary)
		}
		jww.INFO.Printf("[SESSION] Restored %d messages in %d conversations",
			len(records), len(summaries))
	}

	s.messages.OnChange(s.onMessageChange)
	s.convs.OnChange(s.onSummaryChange)

	failed, err := s.pipeline.Start()
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		jww.INFO.Printf("[SESSION] %d unfinished sends marked failed",
			len(failed))
	}
	return nil
}

// forceLogout runs on the connection's goroutine when the server supersedes
// the session. The connection has already shut itself down.
func (s *Session) forceLogout(reason string) {
	s.teardown(reason)
}

// teardown erases every piece of local state and stops the loop. Nothing of
// the session is reusable afterwards.
func (s *Session) teardown(reason string) {
	s.teardownOnce.Do(func() {
		jww.INFO.Printf("[SESSION] Tearing down session of %s", s.self)
		s.loop.Do(s.purge)
		if err := s.stop.Close(); err != nil {
			jww.WARN.Printf("[SESSION] Failed to stop loop: %+v", err)
		}
		s.fire(Event{Kind: LoggedOut, Reason: reason})
	})
}

func (s *Session) purge() {
	s.focus.CloseAll()
	s.messages.Clear()
	s.convs.Clear()
	s.tracker.Clear()
	s.receipts.Reset()
	s.presence.Clear()

	if err := s.kv.Purge(); err != nil {
		jww.ERROR.Printf("[SESSION] Failed to purge local storage: %+v", err)
	}
	if s.mirror != nil {
		if err := s.mirror.Purge(); err != nil {
			jww.ERROR.Printf("[SESSION] Failed to purge local database: %+v",
				err)
		}
	}
}
