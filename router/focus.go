////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package router

import (
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/chatsync/message"
)

// ConversationState is the client observed state of one conversation.
type ConversationState uint8

const (
	Closed ConversationState = iota
	Open
)

func (s ConversationState) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Focus tracks which conversation is open. At most one is open at a time;
// every other conversation is closed.
type Focus struct {
	active message.Key
	open   bool
}

// Open moves conv from closed to open, closing the previously open
// conversation. Returns false if conv was already open.
func (f *Focus) Open(conv message.Key) bool {
	if f.open && f.active == conv {
		return false
	}
	if f.open {
		jww.DEBUG.Printf("[ROUTE] %s closed by opening %s", f.active, conv)
	}
	f.active, f.open = conv, true
	return true
}

// Close moves conv from open to closed, on navigation away or when the app is
// backgrounded. Returns false if conv was not open.
func (f *Focus) Close(conv message.Key) bool {
	if !f.open || f.active != conv {
		return false
	}
	f.active, f.open = "", false
	return true
}

// CloseAll closes whatever conversation is open.
func (f *Focus) CloseAll() {
	f.active, f.open = "", false
}

// Active returns the open conversation.
func (f *Focus) Active() (message.Key, bool) {
	return f.active, f.open
}

// IsActive returns true if conv is the open conversation.
func (f *Focus) IsActive(conv message.Key) bool {
	return f.open && f.active == conv
}

// State returns the state of conv.
func (f *Focus) State(conv message.Key) ConversationState {
	if f.IsActive(conv) {
		return Open
	}
	return Closed
}
