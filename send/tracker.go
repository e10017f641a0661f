////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package send

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/chatsync/message"
	"gitlab.com/elixxir/chatsync/versioned"
)

const (
	trackerUnsentKey     = "sendTrackerUnsent"
	trackerUnsentVersion = 0

	trackerSentKey     = "sendTrackerSent"
	trackerSentVersion = 0

	// maxSentTracked bounds the number of acknowledged IDs remembered for
	// echo detection. The oldest are forgotten first.
	maxSentTracked = 1000
)

// Error messages.
var (
	errNotPending  = errors.New("cannot handle send on an untracked message")
	errAlreadySent = errors.New("message was already acknowledged")
)

// isHandled returns true if err reports a send whose result was already
// applied, as opposed to a storage failure.
func isHandled(err error) bool {
	return errors.Is(err, errNotPending) || errors.Is(err, errAlreadySent)
}

type tracked struct {
	LocalID      string      `json:"localID"`
	MessageID    string      `json:"messageID,omitempty"`
	Conversation message.Key `json:"conversation"`
}

// Tracker follows every send from the moment its optimistic record exists
// until the server acknowledges or refuses it. It remembers the server IDs of
// acknowledged sends so that echoes of them can be recognized.
//
// The unsent list is written to storage on every change. A send still unsent
// when the tracker is loaded did not survive a restart and is reported
// failed.
type Tracker struct {
	unsent      map[string]*tracked
	byMessageID map[string]*tracked
	sentOrder   []string

	kv  *versioned.KV
	mux sync.RWMutex
}

// NewTracker returns an empty tracker storing its state in kv.
func NewTracker(kv *versioned.KV) *Tracker {
	return &Tracker{
		unsent:      make(map[string]*tracked),
		byMessageID: make(map[string]*tracked),
		kv:          kv.Prefix("send"),
	}
}

// Load restores the tracker from storage. Sends that were pending when the
// tracker was last stored are dropped from the unsent list and returned so
// they can be marked failed.
func (st *Tracker) Load() ([]string, error) {
	st.mux.Lock()
	defer st.mux.Unlock()

	var unsent []*tracked
	if err := st.loadList(trackerUnsentKey, trackerUnsentVersion,
		&unsent); err != nil {
		return nil, err
	}
	var sent []*tracked
	if err := st.loadList(trackerSentKey, trackerSentVersion,
		&sent); err != nil {
		return nil, err
	}

	for _, t := range sent {
		st.byMessageID[t.MessageID] = t
		st.sentOrder = append(st.sentOrder, t.MessageID)
	}

	leftover := make([]string, 0, len(unsent))
	for _, t := range unsent {
		leftover = append(leftover, t.LocalID)
	}
	st.unsent = make(map[string]*tracked)
	if len(leftover) > 0 {
		jww.WARN.Printf("[SEND] %d sends did not complete before the last "+
			"shutdown, marking them failed", len(leftover))
		if err := st.storeUnsent(); err != nil {
			return nil, err
		}
	}
	return leftover, nil
}

// DenotePending starts tracking a send. Tracking the same local ID twice
// does nothing.
func (st *Tracker) DenotePending(localID string, conv message.Key) error {
	st.mux.Lock()
	defer st.mux.Unlock()

	if _, exists := st.unsent[localID]; exists {
		return nil
	}
	st.unsent[localID] = &tracked{LocalID: localID, Conversation: conv}
	if err := st.storeUnsent(); err != nil {
		delete(st.unsent, localID)
		return err
	}
	return nil
}

// Sent moves a pending send to the acknowledged set. It fails if the send is
// not pending, which is how a second acknowledgment is detected. A storage
// error is returned after the move; the send is handled in memory either way.
func (st *Tracker) Sent(localID, messageID string) error {
	st.mux.Lock()
	defer st.mux.Unlock()

	if _, exists := st.byMessageID[messageID]; exists {
		return errors.WithMessagef(errAlreadySent, "%s", messageID)
	}
	t, exists := st.unsent[localID]
	if !exists {
		return errors.WithMessagef(errNotPending, "%s", localID)
	}

	t.MessageID = messageID
	delete(st.unsent, localID)
	st.byMessageID[messageID] = t
	st.sentOrder = append(st.sentOrder, messageID)
	for len(st.sentOrder) > maxSentTracked {
		delete(st.byMessageID, st.sentOrder[0])
		st.sentOrder = st.sentOrder[1:]
	}

	if err := st.storeSent(); err != nil {
		return err
	}
	return st.storeUnsent()
}

// Failed stops tracking a pending send. As with Sent, a storage error is
// returned after the send was dropped from memory.
func (st *Tracker) Failed(localID string) error {
	st.mux.Lock()
	defer st.mux.Unlock()

	if _, exists := st.unsent[localID]; !exists {
		return errors.WithMessagef(errNotPending, "%s", localID)
	}
	delete(st.unsent, localID)
	return st.storeUnsent()
}

// IsPending returns true if the send with the local ID awaits its result.
func (st *Tracker) IsPending(localID string) bool {
	st.mux.RLock()
	defer st.mux.RUnlock()
	_, exists := st.unsent[localID]
	return exists
}

// CheckIfSent returns true if the message ID belongs to a send acknowledged
// for this user.
func (st *Tracker) CheckIfSent(messageID string) bool {
	st.mux.RLock()
	defer st.mux.RUnlock()
	_, exists := st.byMessageID[messageID]
	return exists
}

// Clear forgets everything in memory. Storage is purged by the owner of the
// KV.
func (st *Tracker) Clear() {
	st.mux.Lock()
	st.unsent = make(map[string]*tracked)
	st.byMessageID = make(map[string]*tracked)
	st.sentOrder = nil
	st.mux.Unlock()
}

func (st *Tracker) storeUnsent() error {
	list := make([]*tracked, 0, len(st.unsent))
	for _, t := range st.unsent {
		list = append(list, t)
	}
	return st.storeList(trackerUnsentKey, trackerUnsentVersion, list)
}

func (st *Tracker) storeSent() error {
	list := make([]*tracked, 0, len(st.sentOrder))
	for _, id := range st.sentOrder {
		list = append(list, st.byMessageID[id])
	}
	return st.storeList(trackerSentKey, trackerSentVersion, list)
}

func (st *Tracker) storeList(key string, version uint64, list []*tracked) error {
	data, err := json.Marshal(list)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s", key)
	}
	if err = st.kv.Set(key, versioned.NewObject(data, version)); err != nil {
		return errors.Wrapf(err, "failed to store %s", key)
	}
	return nil
}

func (st *Tracker) loadList(key string, version uint64, list *[]*tracked) error {
	obj, err := st.kv.Get(key, version)
	if err != nil {
		if !st.kv.Exists(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to load %s", key)
	}
	if err = json.Unmarshal(obj.Data, list); err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s", key)
	}
	return nil
}
