////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package session

import (
	"strconv"

	"gitlab.com/elixxir/chatsync/message"
	"gitlab.com/elixxir/chatsync/router"
	"gitlab.com/elixxir/chatsync/store"
)

// EventKind identifies a session level event.
type EventKind uint8

const (
	// ReconnectFailed is reported when the connection is lost and every
	// reconnection attempt failed. The UI may call Start again.
	ReconnectFailed EventKind = iota + 1

	// AuthRejected is reported when the server rejects the token. The
	// session cannot continue without a new token.
	AuthRejected

	// LoggedOut is reported once the session has been torn down, either by
	// Logout or because the server superseded it.
	LoggedOut
)

func (k EventKind) String() string {
	switch k {
	case ReconnectFailed:
		return "ReconnectFailed"
	case AuthRejected:
		return "AuthRejected"
	case LoggedOut:
		return "LoggedOut"
	default:
		return "INVALID EVENT KIND: " + strconv.Itoa(int(k))
	}
}

// Event is a session level event.
type Event struct {
	Kind EventKind

	// Reason is the server supplied reason of a forced logout.
	Reason string

	// Err is the cause of a connection failure.
	Err error
}

// The callbacks below run on the session's event loop. They must not block
// and must not call into the Session, whose methods wait on the same loop.
// LoggedOut is the exception: it is reported after the loop has stopped.

// EventCallback receives session level events.
type EventCallback func(e Event)

// ChangeCallback receives every message store change.
type ChangeCallback func(c store.Change)

// ConversationCallback receives the key of every conversation summary that
// changed.
type ConversationCallback func(conv message.Key)

// NotificationCallback receives background notifications.
type NotificationCallback func(n router.Notification)
