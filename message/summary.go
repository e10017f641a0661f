////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package message

import (
	"time"
)

// Mute describes the mute setting of a conversation. The zero value is not
// muted.
type Mute struct {
	Indefinite bool      `json:"indefinite,omitempty"`
	Until      time.Time `json:"until,omitempty"`
}

// Active returns true if the mute is in force at the given time.
func (m Mute) Active(now time.Time) bool {
	return m.Indefinite || now.Before(m.Until)
}

// Summary is the sidebar entry for a conversation.
type Summary struct {
	Conversation  Key    `json:"conversationKey"`
	PeerOrGroupID string `json:"peerOrGroupId"`

	// LastMessage is a denormalized snapshot of the newest message.
	LastMessage *Record `json:"lastMessage,omitempty"`

	// UnreadCount is only ever reset by a confirmed mark-read.
	UnreadCount uint `json:"unreadCount"`

	Pinned   bool `json:"pinned,omitempty"`
	Favorite bool `json:"favorite,omitempty"`
	Archived bool `json:"archived,omitempty"`
	Mute     Mute `json:"mute,omitempty"`
}

// Copy returns a deep copy of the summary.
func (s *Summary) Copy() *Summary {
	c := *s
	if s.LastMessage != nil {
		c.LastMessage = s.LastMessage.Copy()
	}
	return &c
}

// LastActivity returns the creation time of the last message, or the zero
// time for an empty conversation.
func (s *Summary) LastActivity() time.Time {
	if s.LastMessage == nil {
		return time.Time{}
	}
	return s.LastMessage.CreatedAt
}
