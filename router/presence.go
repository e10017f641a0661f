////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package router

import (
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/chatsync/bus"
)

// Presence is the last known status of a user.
type Presence struct {
	Online   bool
	LastSeen time.Time
}

// PresenceTable holds the presence of every user a status was received for.
// It is read from the UI, so unlike the stores it is locked.
type PresenceTable struct {
	users map[string]Presence
	mux   sync.RWMutex
}

// NewPresenceTable returns an empty table.
func NewPresenceTable() *PresenceTable {
	return &PresenceTable{users: make(map[string]Presence)}
}

// Apply records a status change. Returns false if the change is older than
// the recorded status.
func (pt *PresenceTable) Apply(ev bus.StatusChange) bool {
	pt.mux.Lock()
	defer pt.mux.Unlock()

	old, exists := pt.users[ev.UserID]
	if exists && !ev.LastSeen.IsZero() && ev.LastSeen.Before(old.LastSeen) {
		jww.TRACE.Printf("[ROUTE] Dropping stale status of %s", ev.UserID)
		return false
	}

	p := Presence{Online: ev.Online, LastSeen: ev.LastSeen}
	if p.LastSeen.IsZero() {
		p.LastSeen = old.LastSeen
	}
	pt.users[ev.UserID] = p
	return true
}

// Get returns the presence of the user.
func (pt *PresenceTable) Get(userID string) (Presence, bool) {
	pt.mux.RLock()
	defer pt.mux.RUnlock()
	p, exists := pt.users[userID]
	return p, exists
}

// Online returns true if the user is known to be online.
func (pt *PresenceTable) Online(userID string) bool {
	p, _ := pt.Get(userID)
	return p.Online
}

// LastSeen returns the last time the user was seen, or the zero time.
func (pt *PresenceTable) LastSeen(userID string) time.Time {
	p, _ := pt.Get(userID)
	return p.LastSeen
}

// Clear forgets every user.
func (pt *PresenceTable) Clear() {
	pt.mux.Lock()
	pt.users = make(map[string]Presence)
	pt.mux.Unlock()
}
