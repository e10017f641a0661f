////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package send is the outbound message pipeline. A send is visible the moment
// it is made: an optimistic record is inserted in the Pending state and the
// caller gets its local ID back. The submission to the persistence service
// runs off the event loop; its result is posted back and reconciled exactly
// once. Only then is the message emitted to the peer's live session.
package send

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/elixxir/chatsync/bus"
	"gitlab.com/elixxir/chatsync/message"
	"gitlab.com/elixxir/chatsync/persistence"
	"gitlab.com/elixxir/chatsync/store"
)

// Error messages.
var (
	ErrNotMember      = errors.New("user is not a member of the conversation")
	ErrNotFailed      = errors.New("only failed sends can be retried")
	ErrUnknownMessage = errors.New("no such message")
)

// Emitter writes an outbound event to the transport.
type Emitter interface {
	Emit(name string, payload interface{}) error
}

// Poster runs tasks on the session's event loop.
type Poster interface {
	Post(task func()) bool
}

// Params configures the pipeline.
type Params struct {
	// SubmitTimeout bounds one call to the persistence service.
	SubmitTimeout time.Duration
}

// GetDefaultParams returns a Params object containing the default parameters.
func GetDefaultParams() Params {
	return Params{SubmitTimeout: 30 * time.Second}
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

// Pipeline sends messages for one user. Send and Retry must be called from
// the event loop given to NewPipeline.
type Pipeline struct {
	self   string
	params Params

	messages *store.Store
	convs    *store.Conversations
	tracker  *Tracker

	svc     persistence.Service
	emitter Emitter
	loop    Poster

	inFlight sync.WaitGroup
}

// NewPipeline builds a pipeline for the user self.
func NewPipeline(self string, p Params, messages *store.Store,
	convs *store.Conversations, tracker *Tracker, svc persistence.Service,
	emitter Emitter, loop Poster) *Pipeline {
	return &Pipeline{
		self:     self,
		params:   p,
		messages: messages,
		convs:    convs,
		tracker:  tracker,
		svc:      svc,
		emitter:  emitter,
		loop:     loop,
	}
}

// Start loads the tracker and marks every send left unfinished by a previous
// run as failed. Returns the local IDs so marked.
func (p *Pipeline) Start() ([]string, error) {
	leftover, err := p.tracker.Load()
	if err != nil {
		return nil, err
	}
	for _, localID := range leftover {
		p.markFailed(localID)
	}
	return leftover, nil
}

// Send validates the body, inserts the optimistic record and starts the
// submission. It returns the local ID of the new record without waiting for
// the server.
func (p *Pipeline) Send(conv message.Key, body message.Body,
	replyTo string) (string, error) {
	if err := body.Validate(); err != nil {
		return "", err
	}

	rec := message.Record{
		Conversation: conv,
		SenderID:     p.self,
		Body:         body,
		CreatedAt:    netTime.Now(),
		State:        message.Pending,
		ReplyTo:      replyTo,
	}
	if conv.IsGroup() {
		rec.GroupID = conv.GroupID()
	} else if peer, ok := conv.Peer(p.self); ok {
		rec.RecipientID = peer
	} else {
		return "", errors.WithMessagef(ErrNotMember, "%s", conv)
	}
	rec.LocalID = newLocalID()

	if err := p.tracker.DenotePending(rec.LocalID, conv); err != nil {
		return "", err
	}
	if err := p.messages.InsertOptimistic(rec); err != nil {
		if trackErr := p.tracker.Failed(rec.LocalID); trackErr != nil {
			jww.ERROR.Printf("[SEND] Failed to untrack %s: %+v", rec.LocalID,
				trackErr)
		}
		return "", err
	}
	p.convs.Track(rec)

	jww.DEBUG.Printf("[SEND] Sending %s to %s", rec.LocalID, conv)
	p.submit(rec)
	return rec.LocalID, nil
}

// Retry resubmits a failed send under the same local ID.
func (p *Pipeline) Retry(localID string) error {
	rec, exists := p.messages.Get(localID)
	if !exists {
		return errors.WithMessagef(ErrUnknownMessage, "%s", localID)
	}
	if rec.State != message.Failed {
		return errors.WithMessagef(ErrNotFailed, "%s is %s", localID,
			rec.State)
	}

	if err := p.tracker.DenotePending(localID, rec.Conversation); err != nil {
		return err
	}
	_, err := p.messages.Patch(localID, func(r *message.Record) bool {
		r.State = message.Pending
		return true
	})
	if err != nil {
		return err
	}
	rec.State = message.Pending
	p.convs.Track(rec)

	jww.DEBUG.Printf("[SEND] Retrying %s", localID)
	p.submit(rec)
	return nil
}

// Wait blocks until the result of every in-flight submission has been applied
// and every resulting emit has completed. It must not be called from the
// event loop.
func (p *Pipeline) Wait() {
	p.inFlight.Wait()
}

func (p *Pipeline) submit(rec message.Record) {
	s := persistence.Submission{
		LocalID:      rec.LocalID,
		Conversation: rec.Conversation,
		SenderID:     rec.SenderID,
		RecipientID:  rec.RecipientID,
		GroupID:      rec.GroupID,
		Body:         rec.Body,
		ReplyTo:      rec.ReplyTo,
		CreatedAt:    rec.CreatedAt,
	}

	// Released once the result has been applied on the loop
	p.inFlight.Add(1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			p.params.SubmitTimeout)
		ack, err := p.svc.SubmitMessage(ctx, s)
		cancel()

		posted := p.loop.Post(func() {
			defer p.inFlight.Done()
			if err != nil {
				jww.WARN.Printf("[SEND] Failed to submit %s: %+v",
					s.LocalID, err)
				p.fail(s.LocalID)
				return
			}
			p.acknowledge(s.LocalID, ack)
		})
		if !posted {
			p.inFlight.Done()
			jww.WARN.Printf("[SEND] Session stopped before the result of "+
				"%s was applied", s.LocalID)
		}
	}()
}

// acknowledge reconciles the optimistic record and emits it to the peer.
// Runs on the event loop.
func (p *Pipeline) acknowledge(localID string, ack persistence.Ack) {
	if err := p.tracker.Sent(localID, ack.ID); err != nil {
		if isHandled(err) {
			jww.TRACE.Printf("[SEND] Ignoring acknowledgment: %s", err)
			return
		}
		jww.ERROR.Printf("[SEND] Failed to store acknowledgment of %s: %+v",
			localID, err)
	}

	applied, err := p.messages.Reconcile(localID, store.Ack{
		ID:        ack.ID,
		CreatedAt: ack.CreatedAt,
		Body:      ack.Body,
	})
	if err != nil {
		// Deleted locally before the acknowledgment arrived
		jww.DEBUG.Printf("[SEND] Acknowledged %s is no longer stored: %s",
			localID, err)
		return
	}
	if !applied {
		return
	}

	rec, _ := p.messages.Get(ack.ID)
	p.convs.Track(rec)
	jww.DEBUG.Printf("[SEND] %s acknowledged as %s", localID, ack.ID)

	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Done()
		if err := p.emitter.Emit(bus.SendMessageEvent, rec); err != nil {
			jww.WARN.Printf("[SEND] Failed to notify peer of %s: %+v",
				rec.ID, err)
		}
	}()
}

// fail marks a send failed. Runs on the event loop.
func (p *Pipeline) fail(localID string) {
	if err := p.tracker.Failed(localID); err != nil {
		if isHandled(err) {
			jww.TRACE.Printf("[SEND] Ignoring failure: %s", err)
			return
		}
		jww.ERROR.Printf("[SEND] Failed to store failure of %s: %+v",
			localID, err)
	}
	p.markFailed(localID)
}

func (p *Pipeline) markFailed(localID string) {
	changed, err := p.messages.Patch(localID, func(r *message.Record) bool {
		if !r.State.CanTransition(message.Failed) {
			return false
		}
		r.State = message.Failed
		return true
	})
	if err != nil || !changed {
		return
	}
	rec, _ := p.messages.Get(localID)
	p.convs.Track(rec)
	jww.INFO.Printf("[SEND] Send %s failed", localID)
}

// newLocalID returns a time ordered UUID.
func newLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		jww.WARN.Printf("[SEND] Failed to make a V7 UUID, using V4: %+v", err)
		return uuid.NewString()
	}
	return id.String()
}
