////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package store holds the client's view of every conversation: the ordered
// message lists and the sidebar summaries.
//
// Nothing in this package is thread safe. A session owns a single Store and a
// single Conversations and only touches them from its event loop.
package store

import (
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/chatsync/message"
)

// Error messages.
var (
	ErrUnknownMessage = errors.New("no message with the given key")
	ErrMissingLocalID = errors.New("optimistic record has no local ID")
	ErrMissingID      = errors.New("canonical record has no ID")
	ErrDuplicate      = errors.New("a message with the same key is already stored")
)

// Op is the kind of change made to a record.
type Op uint8

const (
	Inserted Op = iota + 1
	Reconciled
	Updated
	Removed
)

func (o Op) String() string {
	switch o {
	case Inserted:
		return "Inserted"
	case Reconciled:
		return "Reconciled"
	case Updated:
		return "Updated"
	case Removed:
		return "Removed"
	default:
		return "INVALID OP: " + strconv.Itoa(int(o))
	}
}

// Change describes one mutation of the store. Key is the stable key of the
// record after the change.
type Change struct {
	Conversation message.Key
	Key          string
	Op           Op
}

// ChangeCallback is called after every mutation of the store.
type ChangeCallback func(c Change)

// Ack carries the server's confirmation of a send.
type Ack struct {
	ID        string
	CreatedAt time.Time

	// Body is the canonical form of the payload. A zero Body keeps the
	// optimistic one.
	Body message.Body
}

// Patch mutates a record in place and reports whether anything changed.
type Patch func(rec *message.Record) bool

// maxDeferred is the number of unknown server IDs patches are held for. When
// it is reached the patches of the oldest ID are dropped.
const maxDeferred = 1024

type deferral struct {
	seq     uint64
	patches []Patch
}

type deferredID struct {
	id  string
	seq uint64
}

type entry struct {
	rec *message.Record

	// order is the creation time seen when the record was first inserted. It
	// never changes, so reconciliation cannot move the record.
	order time.Time
	seq   uint64
}

func (e *entry) before(o *entry) bool {
	if e.order.Equal(o.order) {
		return e.seq < o.seq
	}
	return e.order.Before(o.order)
}

// Store is the per conversation ordered list of message records. Records are
// addressable by server ID and by local ID; both keep resolving after
// reconciliation.
type Store struct {
	convs     map[message.Key][]*entry
	byID      map[string]*entry
	byLocalID map[string]*entry

	// deferred holds patches addressed to server IDs not yet known, at most
	// maxDeferred IDs. deferOrder lists them oldest first and may hold stale
	// entries for IDs already applied.
	deferred   map[string]*deferral
	deferOrder []deferredID

	seq       uint64
	callbacks []ChangeCallback
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		convs:     make(map[message.Key][]*entry),
		byID:      make(map[string]*entry),
		byLocalID: make(map[string]*entry),
		deferred:  make(map[string]*deferral),
	}
}

// OnChange registers a callback that is called after every mutation.
func (s *Store) OnChange(cb ChangeCallback) {
	s.callbacks = append(s.callbacks, cb)
}

// InsertOptimistic adds a record created locally before the server knows of
// it. The record must carry a local ID and no server ID.
func (s *Store) InsertOptimistic(rec message.Record) error {
	if rec.LocalID == "" {
		return ErrMissingLocalID
	}
	if _, exists := s.byLocalID[rec.LocalID]; exists {
		return errors.WithMessagef(ErrDuplicate, "local ID %s", rec.LocalID)
	}
	rec.ID = ""

	e := s.insert(rec)
	s.byLocalID[rec.LocalID] = e
	jww.TRACE.Printf("[STORE] Inserted optimistic %s", e.rec)
	s.notify(e, Inserted)
	return nil
}

// Insert adds a canonical record received from the server. Returns false if a
// record with the same ID is already stored, in which case nothing changes.
func (s *Store) Insert(rec message.Record) (bool, error) {
	if rec.ID == "" {
		return false, ErrMissingID
	}
	if _, exists := s.byID[rec.ID]; exists {
		jww.TRACE.Printf("[STORE] Ignoring duplicate of %s", rec.ID)
		return false, nil
	}
	if rec.LocalID != "" {
		if _, exists := s.byLocalID[rec.LocalID]; exists {
			jww.TRACE.Printf("[STORE] Ignoring duplicate of local %s",
				rec.LocalID)
			return false, nil
		}
	}

	e := s.insert(rec)
	s.byID[rec.ID] = e
	if rec.LocalID != "" {
		s.byLocalID[rec.LocalID] = e
	}
	jww.TRACE.Printf("[STORE] Inserted %s", e.rec)
	s.notify(e, Inserted)
	s.applyDeferred(e)
	return true, nil
}

// Reconcile applies the server acknowledgment of an optimistic send. The
// record keeps its position; only the server fields change. Returns false if
// the acknowledgment was already applied.
func (s *Store) Reconcile(localID string, ack Ack) (bool, error) {
	e, exists := s.byLocalID[localID]
	if !exists {
		return false, errors.WithMessagef(ErrUnknownMessage, "local ID %s",
			localID)
	}
	if ack.ID == "" {
		return false, ErrMissingID
	}
	if e.rec.ID != "" {
		if e.rec.ID != ack.ID {
			jww.WARN.Printf("[STORE] Second acknowledgment of %s carries ID "+
				"%s, keeping %s", localID, ack.ID, e.rec.ID)
		}
		return false, nil
	}

	// The canonical record may have reached the store before its own ack
	other, merged := s.byID[ack.ID]
	if merged && other != e {
		jww.DEBUG.Printf("[STORE] %s already stored as canonical, merging "+
			"into optimistic %s", ack.ID, localID)
		s.unlink(other)
	} else {
		merged = false
	}

	e.rec.ID = ack.ID
	if !ack.CreatedAt.IsZero() {
		e.rec.CreatedAt = ack.CreatedAt
	}
	if ack.Body.Kind != 0 {
		e.rec.Body = ack.Body
	}
	if e.rec.State.CanTransition(message.Sent) {
		e.rec.State = message.Sent
	}
	s.byID[ack.ID] = e

	jww.TRACE.Printf("[STORE] Reconciled %s", e.rec)
	if merged {
		s.notify(other, Removed)
	}
	s.notify(e, Reconciled)
	s.applyDeferred(e)
	return true, nil
}

// Patch applies p to the record with the given server or local ID. Returns
// ErrUnknownMessage if no such record is stored.
func (s *Store) Patch(key string, p Patch) (bool, error) {
	e, exists := s.lookup(key)
	if !exists {
		return false, errors.WithMessagef(ErrUnknownMessage, "%s", key)
	}
	return s.patch(e, p), nil
}

// Defer applies p to the record with the given ID, or holds it until a record
// with that ID is inserted or reconciled. Patches are held for at most
// maxDeferred IDs; the oldest are dropped first.
func (s *Store) Defer(id string, p Patch) {
	if e, exists := s.lookup(id); exists {
		s.patch(e, p)
		return
	}
	jww.TRACE.Printf("[STORE] Deferring patch for unknown %s", id)
	d, exists := s.deferred[id]
	if !exists {
		s.evictDeferred()
		d = &deferral{seq: s.seq}
		s.seq++
		s.deferred[id] = d
		s.deferOrder = append(s.deferOrder, deferredID{id: id, seq: d.seq})
	}
	d.patches = append(d.patches, p)
}

// Pending returns the number of server IDs with deferred patches.
func (s *Store) Pending() int {
	return len(s.deferred)
}

// Update applies p to every record of the conversation in order and returns
// the keys of the records it changed.
func (s *Store) Update(conv message.Key, p Patch) []string {
	var changed []string
	for _, e := range s.convs[conv] {
		if s.patch(e, p) {
			changed = append(changed, e.rec.Key())
		}
	}
	return changed
}

// Remove deletes the record with the given server or local ID from the local
// view. Returns false if it is not stored.
func (s *Store) Remove(key string) bool {
	e, exists := s.lookup(key)
	if !exists {
		return false
	}
	s.unlink(e)
	jww.TRACE.Printf("[STORE] Removed %s", e.rec)
	s.notify(e, Removed)
	return true
}

// Get returns a copy of the record with the given server or local ID.
func (s *Store) Get(key string) (message.Record, bool) {
	e, exists := s.lookup(key)
	if !exists {
		return message.Record{}, false
	}
	return *e.rec.Copy(), true
}

// Messages returns copies of the records of the conversation in order.
func (s *Store) Messages(conv message.Key) []message.Record {
	list := s.convs[conv]
	out := make([]message.Record, len(list))
	for i, e := range list {
		out[i] = *e.rec.Copy()
	}
	return out
}

// Last returns the newest record of the conversation.
func (s *Store) Last(conv message.Key) (message.Record, bool) {
	list := s.convs[conv]
	if len(list) == 0 {
		return message.Record{}, false
	}
	return *list[len(list)-1].rec.Copy(), true
}

// Len returns the number of records stored for the conversation.
func (s *Store) Len(conv message.Key) int {
	return len(s.convs[conv])
}

// Clear drops every record and deferred patch. No change notifications are
// sent.
func (s *Store) Clear() {
	s.convs = make(map[message.Key][]*entry)
	s.byID = make(map[string]*entry)
	s.byLocalID = make(map[string]*entry)
	s.deferred = make(map[string]*deferral)
	s.deferOrder = nil
}

func (s *Store) lookup(key string) (*entry, bool) {
	if key == "" {
		return nil, false
	}
	if e, exists := s.byID[key]; exists {
		return e, true
	}
	e, exists := s.byLocalID[key]
	return e, exists
}

// insert places the record after every record that does not sort after it.
func (s *Store) insert(rec message.Record) *entry {
	e := &entry{rec: rec.Copy(), order: rec.CreatedAt, seq: s.seq}
	s.seq++

	list := s.convs[rec.Conversation]
	i := sort.Search(len(list), func(i int) bool { return e.before(list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	s.convs[rec.Conversation] = list
	return e
}

func (s *Store) unlink(e *entry) {
	conv := e.rec.Conversation
	list := s.convs[conv]
	for i := range list {
		if list[i] == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.convs, conv)
	} else {
		s.convs[conv] = list
	}
	if e.rec.ID != "" && s.byID[e.rec.ID] == e {
		delete(s.byID, e.rec.ID)
	}
	if e.rec.LocalID != "" && s.byLocalID[e.rec.LocalID] == e {
		delete(s.byLocalID, e.rec.LocalID)
	}
}

func (s *Store) patch(e *entry, p Patch) bool {
	// Keys and conversation are owned by the store
	id, localID, conv := e.rec.ID, e.rec.LocalID, e.rec.Conversation
	changed := p(e.rec)
	e.rec.ID, e.rec.LocalID, e.rec.Conversation = id, localID, conv
	if changed {
		s.notify(e, Updated)
	}
	return changed
}

func (s *Store) applyDeferred(e *entry) {
	d, exists := s.deferred[e.rec.ID]
	if !exists {
		return
	}
	delete(s.deferred, e.rec.ID)
	jww.DEBUG.Printf("[STORE] Applying %d deferred patches to %s",
		len(d.patches), e.rec.ID)
	for _, p := range d.patches {
		s.patch(e, p)
	}
}

// live reports whether o still names held patches.
func (s *Store) live(o deferredID) bool {
	d, exists := s.deferred[o.id]
	return exists && d.seq == o.seq
}

// evictDeferred makes room for one more deferred ID.
func (s *Store) evictDeferred() {
	if len(s.deferOrder) >= 2*maxDeferred {
		kept := s.deferOrder[:0]
		for _, o := range s.deferOrder {
			if s.live(o) {
				kept = append(kept, o)
			}
		}
		s.deferOrder = kept
	}

	for len(s.deferred) >= maxDeferred && len(s.deferOrder) > 0 {
		o := s.deferOrder[0]
		s.deferOrder = s.deferOrder[1:]
		if !s.live(o) {
			continue
		}
		jww.WARN.Printf("[STORE] Dropping %d deferred patches for %s, "+
			"it was never stored", len(s.deferred[o.id].patches), o.id)
		delete(s.deferred, o.id)
	}
}

func (s *Store) notify(e *entry, op Op) {
	c := Change{Conversation: e.rec.Conversation, Key: e.rec.Key(), Op: op}
	for _, cb := range s.callbacks {
		cb(c)
	}
}
