////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package router decides where an inbound message goes: into the open
// conversation in place, or into a background notification. It also keeps
// the presence table and derives the unread badge.
package router

import (
	"strconv"
	"strings"
	"time"

	"github.com/rivo/uniseg"

	"gitlab.com/elixxir/chatsync/bus"
	"gitlab.com/elixxir/chatsync/message"
)

// PreviewLength is the maximum length of a notification preview in grapheme
// clusters.
const PreviewLength = 50

const ellipsis = "…"

// Preview glyphs for media and deleted messages.
const (
	photoPreview   = "📷 Photo"
	videoPreview   = "🎥 Video"
	audioPreview   = "🎵 Audio"
	filePreview    = "📄 "
	deletedPreview = "🚫 This message was deleted"
)

// Action is what to do with an inbound message.
type Action uint8

const (
	// ApplyInPlace appends the message to the open conversation.
	ApplyInPlace Action = iota + 1

	// Notify surfaces the message as a background notification.
	Notify
)

func (a Action) String() string {
	switch a {
	case ApplyInPlace:
		return "ApplyInPlace"
	case Notify:
		return "Notify"
	default:
		return "INVALID ACTION: " + strconv.Itoa(int(a))
	}
}

// Notification is the summary of a background message. Rendering it is up to
// the UI.
type Notification struct {
	Conversation message.Key
	MessageID    string
	SenderID     string
	Preview      string

	// Silent is set when the conversation is muted. The unread count still
	// changes; only the alert is suppressed.
	Silent bool
}

// Decision is the routing of one inbound message.
type Decision struct {
	Action       Action
	Notification *Notification
}

// RouteIncoming decides how to apply an inbound message. It has no side
// effects.
func RouteIncoming(ev bus.NewMessage, isConversationActive bool) Decision {
	if isConversationActive {
		return Decision{Action: ApplyInPlace}
	}
	rec := ev.Record
	return Decision{
		Action: Notify,
		Notification: &Notification{
			Conversation: rec.Conversation,
			MessageID:    rec.ID,
			SenderID:     rec.SenderID,
			Preview:      Preview(rec),
		},
	}
}

// Route is RouteIncoming with the mute setting of the conversation applied.
func Route(ev bus.NewMessage, isConversationActive bool,
	s message.Summary, now time.Time) Decision {
	d := RouteIncoming(ev, isConversationActive)
	if d.Notification != nil && s.Mute.Active(now) {
		d.Notification.Silent = true
	}
	return d
}

// Preview renders the one line summary of a message.
func Preview(rec message.Record) string {
	if rec.DeletedForEveryone {
		return deletedPreview
	}
	switch b := rec.Body; b.Kind {
	case message.ImageKind:
		return photoPreview
	case message.VideoKind:
		return videoPreview
	case message.AudioKind:
		return audioPreview
	case message.FileKind:
		name := b.FileName
		if name == "" {
			name = "File"
		}
		return Truncate(filePreview+name, PreviewLength)
	default:
		return Truncate(strings.Join(strings.Fields(b.Text), " "),
			PreviewLength)
	}
}

// Truncate shortens s to at most n grapheme clusters, ending with an ellipsis
// when cut. Clusters are never split, so an emoji built from several code
// points is kept whole or dropped whole.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if uniseg.GraphemeClusterCount(s) <= n {
		return s
	}

	var b strings.Builder
	g := uniseg.NewGraphemes(s)
	for i := 0; i < n-1 && g.Next(); i++ {
		b.WriteString(g.Str())
	}
	b.WriteString(ellipsis)
	return b.String()
}

// Badge is the aggregate unread count. It is always derived from the
// summaries and never stored.
func Badge(summaries []message.Summary) uint {
	var total uint
	for i := range summaries {
		total += summaries[i].UnreadCount
	}
	return total
}
