////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"time"
)

// Message defines the SQL representation of a single message.Record.
//
// A Message belongs to one Conversation. Optimistic records have no
// MessageId until they are acknowledged, so rows are matched on either
// MessageId or LocalId.
type Message struct {
	Id              int64     `gorm:"primaryKey;autoIncrement:true"`
	MessageId       string    `gorm:"index"`
	LocalId         string    `gorm:"index"`
	ConversationKey string    `gorm:"index;not null"`
	SenderId        string    `gorm:"index;not null"`
	RecipientId     string    `gorm:""`
	GroupId         string    `gorm:""`
	Kind            uint8     `gorm:"not null"`
	Text            string    `gorm:""`
	Ref             string    `gorm:""`
	FileName        string    `gorm:""`
	CreatedAt       time.Time `gorm:"index;not null"`
	State           uint8     `gorm:"not null"`
	ReplyTo         string    `gorm:""`

	ReadAt   *time.Time `gorm:""`
	UnreadAt *time.Time `gorm:""`

	Starred            bool `gorm:"not null"`
	DeletedForEveryone bool `gorm:"not null"`
}

// TableName overrides the table name used by Message.
func (Message) TableName() string {
	return "chat_messages"
}

// Conversation defines the SQL representation of a message.Summary.
// A Conversation has many Message objects.
type Conversation struct {
	ConversationKey string `gorm:"primaryKey;not null;autoIncrement:false"`
	PeerOrGroupId   string `gorm:"not null"`
	UnreadCount     uint   `gorm:"not null"`

	// LastMessageKey is the ID or local ID of the newest message. The
	// snapshot itself is rebuilt from the message table on load.
	LastMessageKey string `gorm:""`

	Pinned   bool `gorm:"not null"`
	Favorite bool `gorm:"not null"`
	Archived bool `gorm:"not null"`

	MuteIndefinite bool       `gorm:"not null"`
	MuteUntil      *time.Time `gorm:""`

	// Have to spell out this relationship because irregular PK name
	Messages []Message `gorm:"foreignKey:ConversationKey;references:ConversationKey;constraint:OnDelete:CASCADE"`
}

// TableName overrides the table name used by Conversation.
func (Conversation) TableName() string {
	return "chat_conversations"
}
