////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package message contains the data model shared by every component of the
// synchronization core: message records, their payloads and delivery states,
// conversation keys, and conversation summaries.
package message

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Key identifies a two-party or group conversation.
type Key string

const (
	groupKeyPrefix = "group:"
	directKeySep   = "-"
)

// DirectKey returns the conversation key between two users. The key is the
// same regardless of argument order.
func DirectKey(a, b string) Key {
	ids := []string{a, b}
	sort.Strings(ids)
	return Key(ids[0] + directKeySep + ids[1])
}

// GroupKey returns the conversation key of a group.
func GroupKey(groupID string) Key {
	return Key(groupKeyPrefix + groupID)
}

// IsGroup returns true if the key names a group conversation.
func (k Key) IsGroup() bool {
	return strings.HasPrefix(string(k), groupKeyPrefix)
}

// GroupID returns the group ID of a group key, or an empty string.
func (k Key) GroupID() string {
	if !k.IsGroup() {
		return ""
	}
	return strings.TrimPrefix(string(k), groupKeyPrefix)
}

// Peer returns the other participant of a direct conversation from the point
// of view of self. It returns false for group keys and for keys self is not a
// member of. IDs may themselves contain the separator: self is matched at
// either end and the result is checked against DirectKey.
func (k Key) Peer(self string) (string, bool) {
	if k.IsGroup() || self == "" {
		return "", false
	}
	key := string(k)
	if rest := strings.TrimPrefix(key, self+directKeySep); rest != key &&
		DirectKey(self, rest) == k {
		return rest, true
	}
	if rest := strings.TrimSuffix(key, directKeySep+self); rest != key &&
		DirectKey(self, rest) == k {
		return rest, true
	}
	return "", false
}

func (k Key) String() string {
	return string(k)
}

// Record is a single message as held by the client.
type Record struct {
	// ID is assigned by the persistence service and is empty until the send
	// is acknowledged.
	ID string `json:"id,omitempty"`

	// LocalID is the client-generated correlation key used to match an
	// optimistic record to its acknowledgment.
	LocalID string `json:"localId,omitempty"`

	Conversation Key    `json:"conversationKey"`
	SenderID     string `json:"senderId"`
	RecipientID  string `json:"recipientId,omitempty"`
	GroupID      string `json:"groupId,omitempty"`

	Body Body `json:"body"`

	// CreatedAt is proposed by the client for optimistic records and replaced
	// by the server timestamp on acknowledgment.
	CreatedAt time.Time `json:"createdAt"`

	State DeliveryState `json:"deliveryState"`

	// ReadAt is the server timestamp of the most recent read receipt.
	ReadAt *time.Time `json:"readAt,omitempty"`

	// UnreadAt is the server timestamp of the most recent explicit unread
	// reversal. A read receipt older than it is stale.
	UnreadAt *time.Time `json:"unreadAt,omitempty"`

	Starred            bool `json:"starred,omitempty"`
	DeletedForSelf     bool `json:"deletedForSelf,omitempty"`
	DeletedForEveryone bool `json:"deletedForEveryone,omitempty"`

	// ReplyTo weakly references another message of the same conversation by
	// ID or LocalID. The referenced message may not be loaded.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Key returns the stable identifier of the record: the server ID once known,
// the local ID until then.
func (r *Record) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.LocalID
}

// HasKey returns true if id matches either identifier of the record.
func (r *Record) HasKey(id string) bool {
	return id != "" && (r.ID == id || r.LocalID == id)
}

// Copy returns a deep copy of the record.
func (r *Record) Copy() *Record {
	c := *r
	if r.ReadAt != nil {
		t := *r.ReadAt
		c.ReadAt = &t
	}
	if r.UnreadAt != nil {
		t := *r.UnreadAt
		c.UnreadAt = &t
	}
	return &c
}

// tombstone is rendered in place of the content of a message deleted for
// everyone.
const tombstone = "This message was deleted"

// Renderable returns the body to display. A message deleted for everyone
// always renders as a tombstone, whatever its payload.
func (r *Record) Renderable() Body {
	if r.DeletedForEveryone {
		return NewText(tombstone)
	}
	return r.Body
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{id:%q local:%q conv:%s from:%s state:%s}",
		r.ID, r.LocalID, r.Conversation, r.SenderID, r.State)
}
