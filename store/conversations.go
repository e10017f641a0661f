////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package store

import (
	"sort"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/chatsync/message"
)

// SummaryCallback is called with the key of every summary that changed.
type SummaryCallback func(conv message.Key)

// Conversations holds the sidebar summary of every known conversation from
// the point of view of one user.
type Conversations struct {
	self      string
	summaries map[message.Key]*message.Summary
	callbacks []SummaryCallback

	// marks counts every unread increment per conversation. It only grows,
	// so a mark taken before a mark-read tells which increments came later.
	marks map[message.Key]uint64
}

// NewConversations returns an empty set of summaries for the user self.
func NewConversations(self string) *Conversations {
	return &Conversations{
		self:      self,
		summaries: make(map[message.Key]*message.Summary),
		marks:     make(map[message.Key]uint64),
	}
}

// OnChange registers a callback that is called after every summary change.
func (c *Conversations) OnChange(cb SummaryCallback) {
	c.callbacks = append(c.callbacks, cb)
}

// Get returns a copy of the summary of the conversation.
func (c *Conversations) Get(conv message.Key) (message.Summary, bool) {
	s, exists := c.summaries[conv]
	if !exists {
		return message.Summary{}, false
	}
	return *s.Copy(), true
}

// Unread returns the unread count of the conversation.
func (c *Conversations) Unread(conv message.Key) uint {
	if s, exists := c.summaries[conv]; exists {
		return s.UnreadCount
	}
	return 0
}

// Track makes rec the last message of its conversation if it is not older
// than the current one, or if it is a newer snapshot of the same record.
func (c *Conversations) Track(rec message.Record) {
	s := c.ensure(rec.Conversation)
	if c.track(s, rec) {
		c.notify(rec.Conversation)
	}
}

// Bump tracks rec and increments the unread count of its conversation.
func (c *Conversations) Bump(rec message.Record) {
	s := c.ensure(rec.Conversation)
	c.track(s, rec)
	s.UnreadCount++
	c.marks[rec.Conversation]++
	jww.TRACE.Printf("[STORE] Unread count of %s is now %d",
		rec.Conversation, s.UnreadCount)
	c.notify(rec.Conversation)
}

// SetLastMessage replaces the last message snapshot unconditionally. A nil
// record clears it.
func (c *Conversations) SetLastMessage(conv message.Key, rec *message.Record) {
	s := c.ensure(conv)
	if rec == nil {
		s.LastMessage = nil
	} else {
		s.LastMessage = rec.Copy()
	}
	c.notify(conv)
}

// ResetUnread sets the unread count of the conversation to zero. It is
// ConfirmRead with a mark taken now, for a mark-read covering everything.
func (c *Conversations) ResetUnread(conv message.Key) {
	c.ConfirmRead(conv, c.marks[conv])
}

// ReadMark returns the number of unread increments the conversation has seen.
// Take it when a mark-read is requested and hand it to ConfirmRead.
func (c *Conversations) ReadMark(conv message.Key) uint64 {
	return c.marks[conv]
}

// ConfirmRead applies a mark-read the server confirmed. Only the unread
// messages counted before mark was taken are cleared; anything bumped since
// stays unread.
func (c *Conversations) ConfirmRead(conv message.Key, mark uint64) {
	s, exists := c.summaries[conv]
	if !exists {
		return
	}
	since := c.marks[conv] - mark
	if uint64(s.UnreadCount) <= since {
		jww.TRACE.Printf("[STORE] Mark-read of %s is stale, %d unread since",
			conv, since)
		return
	}
	s.UnreadCount = uint(since)
	c.notify(conv)
}

// SetUnread sets the unread count of the conversation.
func (c *Conversations) SetUnread(conv message.Key, n uint) {
	s := c.ensure(conv)
	c.marks[conv] += uint64(n)
	if s.UnreadCount == n {
		return
	}
	s.UnreadCount = n
	c.notify(conv)
}

// SetPinned changes the pinned flag of the conversation.
func (c *Conversations) SetPinned(conv message.Key, pinned bool) {
	c.set(conv, func(s *message.Summary) bool {
		changed := s.Pinned != pinned
		s.Pinned = pinned
		return changed
	})
}

// SetFavorite changes the favorite flag of the conversation.
func (c *Conversations) SetFavorite(conv message.Key, favorite bool) {
	c.set(conv, func(s *message.Summary) bool {
		changed := s.Favorite != favorite
		s.Favorite = favorite
		return changed
	})
}

// SetArchived changes the archived flag of the conversation.
func (c *Conversations) SetArchived(conv message.Key, archived bool) {
	c.set(conv, func(s *message.Summary) bool {
		changed := s.Archived != archived
		s.Archived = archived
		return changed
	})
}

// SetMute changes the mute setting of the conversation.
func (c *Conversations) SetMute(conv message.Key, m message.Mute) {
	c.set(conv, func(s *message.Summary) bool {
		changed := s.Mute.Indefinite != m.Indefinite ||
			!s.Mute.Until.Equal(m.Until)
		s.Mute = m
		return changed
	})
}

// List returns copies of every summary, pinned conversations first, then by
// most recent activity.
func (c *Conversations) List() []message.Summary {
	list := make([]message.Summary, 0, len(c.summaries))
	for _, s := range c.summaries {
		list = append(list, *s.Copy())
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Pinned != list[j].Pinned {
			return list[i].Pinned
		}
		ai, aj := list[i].LastActivity(), list[j].LastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return list[i].Conversation < list[j].Conversation
	})
	return list
}

// Restore replaces the summary of s.Conversation with a copy of s without
// notifying. Used when loading saved state.
func (c *Conversations) Restore(s message.Summary) {
	c.summaries[s.Conversation] = s.Copy()
}

// Clear drops every summary without notifying.
func (c *Conversations) Clear() {
	c.summaries = make(map[message.Key]*message.Summary)
	c.marks = make(map[message.Key]uint64)
}

func (c *Conversations) ensure(conv message.Key) *message.Summary {
	s, exists := c.summaries[conv]
	if exists {
		return s
	}
	s = &message.Summary{Conversation: conv}
	if conv.IsGroup() {
		s.PeerOrGroupID = conv.GroupID()
	} else if peer, ok := conv.Peer(c.self); ok {
		s.PeerOrGroupID = peer
	}
	c.summaries[conv] = s
	return s
}

func (c *Conversations) track(s *message.Summary, rec message.Record) bool {
	last := s.LastMessage
	switch {
	case last == nil,
		last.HasKey(rec.ID), last.HasKey(rec.LocalID),
		!rec.CreatedAt.Before(last.CreatedAt):
		s.LastMessage = rec.Copy()
		return true
	}
	return false
}

func (c *Conversations) set(conv message.Key, f func(s *message.Summary) bool) {
	if f(c.ensure(conv)) {
		c.notify(conv)
	}
}

func (c *Conversations) notify(conv message.Key) {
	for _, cb := range c.callbacks {
		cb(conv)
	}
}
