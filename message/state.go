////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package message

import (
	"strconv"
)

// DeliveryState represents the delivery status of a message as observed by
// the local client.
type DeliveryState uint8

const (
	// Pending is the state of an optimistic record that has not yet been
	// acknowledged by the persistence service.
	Pending DeliveryState = 0

	// Sent denotes that the persistence service acknowledged the message and
	// assigned it a server ID.
	Sent DeliveryState = 1

	// Delivered denotes that the message reached a live session of the
	// recipient.
	Delivered DeliveryState = 2

	// Read denotes that the recipient has read the message.
	Read DeliveryState = 3

	// Failed denotes that the submission to the persistence service failed.
	// The record stays visible until the user acts on it.
	Failed DeliveryState = 4
)

// String returns a human-readable version of [DeliveryState], used for
// logging and debugging. This function adheres to the [fmt.Stringer]
// interface.
func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	case Failed:
		return "failed"
	default:
		return "INVALID STATE: " + strconv.Itoa(int(s))
	}
}

// transitions lists every legal next state for each state.
var transitions = map[DeliveryState][]DeliveryState{
	Pending:   {Sent, Failed},
	Failed:    {Pending},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {Delivered},
}

// CanTransition reports whether a record in state s may move to next. Moving
// to the same state is never a transition.
//
// Read to Delivered is only reachable through an explicit unread reversal, and
// Failed to Pending only through a user-initiated retry.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	for _, ns := range transitions[s] {
		if ns == next {
			return true
		}
	}
	return false
}

// Acknowledged returns true if the server knows about the message.
func (s DeliveryState) Acknowledged() bool {
	return s == Sent || s == Delivered || s == Read
}
