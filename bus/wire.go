////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package bus

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/elixxir/chatsync/message"
)

// Event names on the wire.
const (
	SendMessageEvent       = "send_message"
	MarkUnreadEvent        = "mark_unread"
	ReceiveMessageEvent    = "receive_message"
	MessagesReadEvent      = "messages_read"
	MessagesDeliveredEvent = "messages_delivered"
	MessagesUnreadEvent    = "messages_unread"
	UserStatusChangeEvent  = "user_status_change"
	MessageDeletedEvent    = "message_deleted"
	ForceLogoutEvent       = "force_logout"
)

// Error messages.
var (
	ErrUnknownEvent = errors.New("unknown event name")
	ErrMalformed    = errors.New("malformed frame")
)

// frame is the envelope of every message on the transport.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type readPayload struct {
	ReaderID     string      `json:"readerId"`
	Conversation message.Key `json:"conversationKey,omitempty"`
	ReadAt       time.Time   `json:"readAt"`
	MessageIDs   []string    `json:"messageIds,omitempty"`
}

type deliveredPayload struct {
	RecipientID  string      `json:"recipientId"`
	Conversation message.Key `json:"conversationKey,omitempty"`
	DeliveredAt  time.Time   `json:"deliveredAt"`
	MessageIDs   []string    `json:"messageIds,omitempty"`
}

type unreadPayload struct {
	ReaderID   string    `json:"readerId"`
	MessageIDs []string  `json:"messageIds"`
	At         time.Time `json:"at,omitempty"`
}

type statusPayload struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

type deletedPayload struct {
	ActorID      string      `json:"actorId"`
	Conversation message.Key `json:"conversationKey"`
	MessageIDs   []string    `json:"messageIds"`
	ForEveryone  bool        `json:"forEveryone"`
}

type logoutPayload struct {
	Reason string `json:"reason,omitempty"`
}

// MarkUnread is the payload of an outbound mark_unread event, telling the
// sender's sessions that ReaderID marked TargetID unread.
type MarkUnread struct {
	ReaderID     string      `json:"readerId"`
	SenderID     string      `json:"senderId"`
	Conversation message.Key `json:"conversationKey"`
	TargetID     string      `json:"targetId"`
}

// EncodeFrame wraps an outbound payload in a frame.
func EncodeFrame(name string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s payload", name)
	}
	return json.Marshal(frame{Event: name, Data: data})
}

// DecodeFrame parses an inbound frame into its typed event.
func DecodeFrame(raw []byte) (Event, error) {
	f := frame{}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if f.Event == "" {
		return nil, errors.WithMessage(ErrMalformed, "frame has no event name")
	}

	switch f.Event {
	case ReceiveMessageEvent:
		rec := message.Record{}
		if err := unmarshalData(f, &rec); err != nil {
			return nil, err
		}
		if rec.ID == "" || rec.SenderID == "" {
			return nil, errors.WithMessagef(ErrMalformed,
				"%s without id or sender", f.Event)
		}
		return NewMessage{Record: rec}, nil

	case MessagesReadEvent:
		p := readPayload{}
		if err := unmarshalData(f, &p); err != nil {
			return nil, err
		}
		return ReadReceipt{ReaderID: p.ReaderID, Conversation: p.Conversation,
			ReadAt: p.ReadAt, AffectedIDs: p.MessageIDs}, nil

	case MessagesDeliveredEvent:
		p := deliveredPayload{}
		if err := unmarshalData(f, &p); err != nil {
			return nil, err
		}
		return DeliveryReceipt{RecipientID: p.RecipientID,
			Conversation: p.Conversation, DeliveredAt: p.DeliveredAt,
			AffectedIDs: p.MessageIDs}, nil

	case MessagesUnreadEvent:
		p := unreadPayload{}
		if err := unmarshalData(f, &p); err != nil {
			return nil, err
		}
		return UnreadReversal{ReaderID: p.ReaderID, AffectedIDs: p.MessageIDs,
			At: p.At}, nil

	case UserStatusChangeEvent:
		p := statusPayload{}
		if err := unmarshalData(f, &p); err != nil {
			return nil, err
		}
		return StatusChange{UserID: p.UserID, Online: p.Online,
			LastSeen: p.LastSeen}, nil

	case MessageDeletedEvent:
		p := deletedPayload{}
		if err := unmarshalData(f, &p); err != nil {
			return nil, err
		}
		return Deleted{ActorID: p.ActorID, Conversation: p.Conversation,
			IDs: p.MessageIDs, ForEveryone: p.ForEveryone}, nil

	case ForceLogoutEvent:
		p := logoutPayload{}
		if len(f.Data) > 0 {
			if err := unmarshalData(f, &p); err != nil {
				return nil, err
			}
		}
		return ForceLogout{Reason: p.Reason}, nil
	}

	return nil, errors.WithMessagef(ErrUnknownEvent, "%q", f.Event)
}

func unmarshalData(f frame, v interface{}) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return errors.Wrapf(ErrMalformed, "%s payload: %s", f.Event, err)
	}
	return nil
}
