////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/elixxir/chatsync/message"
)

const (
	// Can be provided to SqlLite to create a temporary, in-memory DB.
	temporaryDbPath = "file:%s?mode=memory&cache=shared"

	// Determines maximum runtime (in seconds) of DB queries.
	dbTimeout = 3 * time.Second
)

// newContext builds a context for database operations.
func newContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), dbTimeout)
}

// buildMessage converts a record into a Message for storage.
//
// NOTE: Id is not set inside this function because we want to use the
// autoincrement key by default. If you are trying to overwrite an existing
// message, then you need to set it manually yourself.
func buildMessage(rec message.Record) *Message {
	return &Message{
		MessageId:          rec.ID,
		LocalId:            rec.LocalID,
		ConversationKey:    string(rec.Conversation),
		SenderId:           rec.SenderID,
		RecipientId:        rec.RecipientID,
		GroupId:            rec.GroupID,
		Kind:               uint8(rec.Body.Kind),
		Text:               rec.Body.Text,
		Ref:                rec.Body.Ref,
		FileName:           rec.Body.FileName,
		CreatedAt:          rec.CreatedAt,
		State:              uint8(rec.State),
		ReplyTo:            rec.ReplyTo,
		ReadAt:             rec.ReadAt,
		UnreadAt:           rec.UnreadAt,
		Starred:            rec.Starred,
		DeletedForEveryone: rec.DeletedForEveryone,
	}
}

func (msg *Message) record() message.Record {
	return message.Record{
		ID:           msg.MessageId,
		LocalID:      msg.LocalId,
		Conversation: message.Key(msg.ConversationKey),
		SenderID:     msg.SenderId,
		RecipientID:  msg.RecipientId,
		GroupID:      msg.GroupId,
		Body: message.Body{
			Kind:     message.Kind(msg.Kind),
			Text:     msg.Text,
			Ref:      msg.Ref,
			FileName: msg.FileName,
		},
		CreatedAt:          msg.CreatedAt,
		State:              message.DeliveryState(msg.State),
		ReadAt:             msg.ReadAt,
		UnreadAt:           msg.UnreadAt,
		Starred:            msg.Starred,
		DeletedForEveryone: msg.DeletedForEveryone,
		ReplyTo:            msg.ReplyTo,
	}
}

// SaveMessage inserts the record or overwrites the stored copy. A reconciled
// record overwrites its optimistic row.
func (m *Mirror) SaveMessage(rec message.Record) error {
	jww.TRACE.Printf("[SQL] SaveMessage(%s)", rec.Key())

	msg := buildMessage(rec)
	existing, err := m.getMessage(rec.ID, rec.LocalID)
	if err == nil {
		msg.Id = existing.Id
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.WithMessage(err, "failed to SaveMessage")
	}

	if err = m.ensureConversation(rec.Conversation); err != nil {
		return errors.WithMessage(err, "failed to SaveMessage")
	}
	return m.upsertMessage(msg)
}

// DeleteMessage removes the message with the given ID or local ID.
func (m *Mirror) DeleteMessage(key string) error {
	jww.TRACE.Printf("[SQL] DeleteMessage(%s)", key)

	ctx, cancel := newContext()
	err := m.db.WithContext(ctx).
		Where("message_id = ? OR local_id = ?", key, key).
		Delete(&Message{}).Error
	cancel()
	if err != nil {
		return errors.Errorf("failed to DeleteMessage: %+v", err)
	}
	return nil
}

// SaveSummary inserts or overwrites the conversation summary.
func (m *Mirror) SaveSummary(s message.Summary) error {
	convo := &Conversation{
		ConversationKey: string(s.Conversation),
		PeerOrGroupId:   s.PeerOrGroupID,
		UnreadCount:     s.UnreadCount,
		Pinned:          s.Pinned,
		Favorite:        s.Favorite,
		Archived:        s.Archived,
		MuteIndefinite:  s.Mute.Indefinite,
	}
	if s.LastMessage != nil {
		convo.LastMessageKey = s.LastMessage.Key()
	}
	if !s.Mute.Until.IsZero() {
		until := s.Mute.Until
		convo.MuteUntil = &until
	}
	jww.DEBUG.Printf("[SQL] Attempting to upsertConversation: %+v", convo)

	ctx, cancel := newContext()
	err := m.db.WithContext(ctx).Save(convo).Error
	cancel()
	if err != nil {
		return errors.Errorf("failed to SaveSummary: %+v", err)
	}
	return nil
}

// Load returns every stored record, oldest first, and every conversation
// summary with its last message resolved.
func (m *Mirror) Load() ([]message.Record, []message.Summary, error) {
	var msgs []*Message
	ctx, cancel := newContext()
	err := m.db.WithContext(ctx).Order("created_at asc, id asc").
		Find(&msgs).Error
	cancel()
	if err != nil {
		return nil, nil, errors.Errorf("failed to load messages: %+v", err)
	}

	var convos []*Conversation
	ctx, cancel = newContext()
	err = m.db.WithContext(ctx).Find(&convos).Error
	cancel()
	if err != nil {
		return nil, nil, errors.Errorf(
			"failed to load conversations: %+v", err)
	}

	records := make([]message.Record, len(msgs))
	byKey := make(map[string]*message.Record, 2*len(msgs))
	for i := range msgs {
		records[i] = msgs[i].record()
		if records[i].ID != "" {
			byKey[records[i].ID] = &records[i]
		}
		if records[i].LocalID != "" {
			byKey[records[i].LocalID] = &records[i]
		}
	}

	summaries := make([]message.Summary, len(convos))
	for i, c := range convos {
		summaries[i] = message.Summary{
			Conversation:  message.Key(c.ConversationKey),
			PeerOrGroupID: c.PeerOrGroupId,
			UnreadCount:   c.UnreadCount,
			Pinned:        c.Pinned,
			Favorite:      c.Favorite,
			Archived:      c.Archived,
			Mute:          message.Mute{Indefinite: c.MuteIndefinite},
		}
		if c.MuteUntil != nil {
			summaries[i].Mute.Until = *c.MuteUntil
		}
		if last, exists := byKey[c.LastMessageKey]; exists {
			summaries[i].LastMessage = last.Copy()
		}
	}

	jww.DEBUG.Printf("[SQL] Loaded %d messages in %d conversations",
		len(records), len(summaries))
	return records, summaries, nil
}

// Purge deletes every message and conversation.
func (m *Mirror) Purge() error {
	ctx, cancel := newContext()
	defer cancel()

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		global := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := global.Delete(&Message{}).Error; err != nil {
			return err
		}
		return global.Delete(&Conversation{}).Error
	})
	if err != nil {
		return errors.Errorf("failed to Purge: %+v", err)
	}
	jww.INFO.Printf("[SQL] Purged local database")
	return nil
}

// getMessage returns the row stored for the given ID or local ID.
func (m *Mirror) getMessage(id, localID string) (*Message, error) {
	if id == "" && localID == "" {
		return nil, gorm.ErrRecordNotFound
	}

	query := m.db
	switch {
	case id != "" && localID != "":
		query = query.Where("message_id = ? OR local_id = ?", id, localID)
	case id != "":
		query = query.Where("message_id = ?", id)
	default:
		query = query.Where("local_id = ?", localID)
	}

	result := &Message{}
	ctx, cancel := newContext()
	err := query.WithContext(ctx).Take(result).Error
	cancel()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// upsertMessage is a helper function that will update an existing record
// if Message.Id is specified. Otherwise, it will perform an insert.
func (m *Mirror) upsertMessage(msg *Message) error {
	jww.DEBUG.Printf("[SQL] Attempting to upsertMessage: %+v", msg)

	ctx, cancel := newContext()
	err := m.db.WithContext(ctx).Save(msg).Error
	cancel()
	if err != nil {
		return errors.Errorf("failed to upsertMessage: %+v", err)
	}

	jww.DEBUG.Printf("[SQL] Successfully stored message %d", msg.Id)
	return nil
}

// ensureConversation creates an empty conversation row if none exists, so
// messages can be stored before their summary.
func (m *Mirror) ensureConversation(conv message.Key) error {
	ctx, cancel := newContext()
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Conversation{ConversationKey: string(conv)}).Error
	cancel()
	return err
}
