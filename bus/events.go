////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package bus

import (
	"strconv"
	"time"

	"gitlab.com/elixxir/chatsync/message"
)

// Kind identifies an event variant.
type Kind uint8

const (
	NewMessageKind Kind = iota + 1
	ReadReceiptKind
	DeliveryReceiptKind
	UnreadReversalKind
	StatusChangeKind
	DeletedKind
	ForceLogoutKind
	LifecycleKind
)

func (k Kind) String() string {
	switch k {
	case NewMessageKind:
		return "NewMessage"
	case ReadReceiptKind:
		return "ReadReceipt"
	case DeliveryReceiptKind:
		return "DeliveryReceipt"
	case UnreadReversalKind:
		return "UnreadReversal"
	case StatusChangeKind:
		return "StatusChange"
	case DeletedKind:
		return "Deleted"
	case ForceLogoutKind:
		return "ForceLogout"
	case LifecycleKind:
		return "Lifecycle"
	default:
		return "Unknown event kind " + strconv.Itoa(int(k))
	}
}

// Event is implemented by every event variant.
type Event interface {
	Kind() Kind
}

// NewMessage is an inbound message from a peer's live session.
type NewMessage struct {
	Record message.Record
}

// ReadReceipt reports that ReaderID read the messages the local user sent to
// them. An empty AffectedIDs means every such message.
type ReadReceipt struct {
	ReaderID     string
	Conversation message.Key
	ReadAt       time.Time
	AffectedIDs  []string
}

// DeliveryReceipt reports that the messages reached a live session of
// RecipientID.
type DeliveryReceipt struct {
	RecipientID  string
	Conversation message.Key
	DeliveredAt  time.Time
	AffectedIDs  []string
}

// UnreadReversal is a mark-as-unread action by ReaderID propagated to the
// sender. At is the server time of the action and may be zero.
type UnreadReversal struct {
	ReaderID    string
	AffectedIDs []string
	At          time.Time
}

// StatusChange is a presence update for a user.
type StatusChange struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// Deleted reports messages deleted by ActorID, either for everyone or only
// for the actor.
type Deleted struct {
	ActorID      string
	Conversation message.Key
	IDs          []string
	ForEveryone  bool
}

// ForceLogout is sent by the server when another session supersedes this one.
type ForceLogout struct {
	Reason string
}

// LifecycleState is a connection lifecycle transition surfaced as an event.
type LifecycleState uint8

const (
	Connected LifecycleState = iota + 1
	Disconnected
	ReconnectFailed
	AuthRejected
)

func (s LifecycleState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case ReconnectFailed:
		return "reconnect failed"
	case AuthRejected:
		return "auth rejected"
	default:
		return "Unknown lifecycle state " + strconv.Itoa(int(s))
	}
}

// Lifecycle reports a connection lifecycle transition. Err holds the cause of
// a failure, if any.
type Lifecycle struct {
	State LifecycleState
	Err   error
}

func (NewMessage) Kind() Kind      { return NewMessageKind }
func (ReadReceipt) Kind() Kind     { return ReadReceiptKind }
func (DeliveryReceipt) Kind() Kind { return DeliveryReceiptKind }
func (UnreadReversal) Kind() Kind  { return UnreadReversalKind }
func (StatusChange) Kind() Kind    { return StatusChangeKind }
func (Deleted) Kind() Kind         { return DeletedKind }
func (ForceLogout) Kind() Kind     { return ForceLogoutKind }
func (Lifecycle) Kind() Kind       { return LifecycleKind }
