////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package bus

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// encodeEvent renders an inbound event as the frame the server would send.
// Lifecycle events have no wire form.
func encodeEvent(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case NewMessage:
		return EncodeFrame(ReceiveMessageEvent, ev.Record)
	case ReadReceipt:
		return EncodeFrame(MessagesReadEvent, readPayload{
			ReaderID: ev.ReaderID, Conversation: ev.Conversation,
			ReadAt: ev.ReadAt, MessageIDs: ev.AffectedIDs})
	case DeliveryReceipt:
		return EncodeFrame(MessagesDeliveredEvent, deliveredPayload{
			RecipientID: ev.RecipientID, Conversation: ev.Conversation,
			DeliveredAt: ev.DeliveredAt, MessageIDs: ev.AffectedIDs})
	case UnreadReversal:
		return EncodeFrame(MessagesUnreadEvent, unreadPayload{
			ReaderID: ev.ReaderID, MessageIDs: ev.AffectedIDs, At: ev.At})
	case StatusChange:
		return EncodeFrame(UserStatusChangeEvent, statusPayload{
			UserID: ev.UserID, Online: ev.Online, LastSeen: ev.LastSeen})
	case Deleted:
		return EncodeFrame(MessageDeletedEvent, deletedPayload{
			ActorID: ev.ActorID, Conversation: ev.Conversation,
			MessageIDs: ev.IDs, ForEveryone: ev.ForEveryone})
	case ForceLogout:
		return EncodeFrame(ForceLogoutEvent, logoutPayload{Reason: ev.Reason})
	}
	return nil, errors.Errorf("event %s has no wire form", e.Kind())
}

// decodeOutbound returns the event name of a frame and unmarshals its data
// into v.
func decodeOutbound(raw []byte, v interface{}) (string, error) {
	f := frame{}
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", errors.Wrap(ErrMalformed, err.Error())
	}
	return f.Event, unmarshalData(f, v)
}

func (b *Bus) registered(name string) bool {
	b.mux.Lock()
	defer b.mux.Unlock()
	_, exists := b.handlers[name]
	return exists
}
