////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package persistence is the client of the external message persistence
// service. The service owns the canonical message records; the session only
// calls it to submit sends and to record read, unread, star and delete
// actions.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"gitlab.com/elixxir/chatsync/message"
)

// Service is the set of persistence calls the synchronization core makes.
type Service interface {
	// SubmitMessage stores a new message and returns its canonical form.
	SubmitMessage(ctx context.Context, s Submission) (Ack, error)

	// MarkRead marks every message sent to the caller in the conversation as
	// read and returns the number of records that changed.
	MarkRead(ctx context.Context, conv message.Key) (int, error)

	// MarkUnread marks the target message of the conversation as unread.
	MarkUnread(ctx context.Context, conv message.Key, targetID string) error

	// SetStarred changes the starred flag of a message.
	SetStarred(ctx context.Context, id string, starred bool) error

	// Delete deletes messages for the caller only or for everyone.
	Delete(ctx context.Context, ids []string, forEveryone bool) error
}

// Submission is a message to store.
type Submission struct {
	LocalID      string       `json:"localId"`
	Conversation message.Key  `json:"conversationKey"`
	SenderID     string       `json:"senderId"`
	RecipientID  string       `json:"recipientId,omitempty"`
	GroupID      string       `json:"groupId,omitempty"`
	Body         message.Body `json:"body"`
	ReplyTo      string       `json:"replyTo,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Ack is the service's confirmation of a stored message.
type Ack struct {
	ID        string       `json:"id"`
	LocalID   string       `json:"localId,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	Body      message.Body `json:"body"`
}

// Params configures the REST client.
type Params struct {
	// BaseURL is the root of the REST API, e.g. https://chat.example/api.
	BaseURL string

	// Timeout bounds each request.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// GetDefaultParams returns a Params object containing the default parameters.
func GetDefaultParams() Params {
	return Params{
		BaseURL:   "http://localhost:8080/api",
		Timeout:   10 * time.Second,
		UserAgent: "chatsync",
	}
}

// GetParameters returns the default Params, or override with given
// parameters, if set.
func GetParameters(params string) (Params, error) {
	p := GetDefaultParams()
	if len(params) > 0 {
		err := json.Unmarshal([]byte(params), &p)
		if err != nil {
			return Params{}, err
		}
	}
	return p, nil
}
