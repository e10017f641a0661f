////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package persistence

import (
	"context"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/chatsync/message"
)

// Routes of the persistence REST API, relative to Params.BaseURL.
const (
	messagesRoute = "/messages"
	readRoute     = "/conversations/{key}/read"
	unreadRoute   = "/conversations/{key}/unread"
	starRoute     = "/messages/{id}/star"
	deleteRoute   = "/messages/delete"
)

// Error messages.
var (
	// ErrUnauthorized is returned when the service rejects the token.
	ErrUnauthorized = errors.New("persistence service rejected the token")
)

type markReadResponse struct {
	ModifiedCount int `json:"modifiedCount"`
}

type markUnreadRequest struct {
	TargetID string `json:"targetId"`
}

type starRequest struct {
	Starred bool `json:"starred"`
}

type deleteRequest struct {
	IDs         []string `json:"messageIds"`
	ForEveryone bool     `json:"forEveryone"`
}

// Client is the REST implementation of Service.
type Client struct {
	rc *resty.Client
}

// NewClient returns a client sending token as a bearer token with every
// request.
func NewClient(p Params, token string) *Client {
	rc := resty.New().
		SetBaseURL(p.BaseURL).
		SetTimeout(p.Timeout).
		SetAuthToken(token).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", p.UserAgent)
	return &Client{rc: rc}
}

// SetToken replaces the bearer token, e.g. after a token refresh.
func (c *Client) SetToken(token string) {
	c.rc.SetAuthToken(token)
}

// SubmitMessage stores a new message.
func (c *Client) SubmitMessage(ctx context.Context, s Submission) (Ack, error) {
	ack := Ack{}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(s).
		SetResult(&ack).
		Post(messagesRoute)
	if err = check(resp, err, "submit message"); err != nil {
		return Ack{}, err
	}
	if ack.ID == "" {
		return Ack{}, errors.Errorf("submit message %s: response has no ID",
			s.LocalID)
	}
	jww.TRACE.Printf("[REST] Stored %s as %s", s.LocalID, ack.ID)
	return ack, nil
}

// MarkRead marks the conversation read for the caller.
func (c *Client) MarkRead(ctx context.Context, conv message.Key) (int, error) {
	result := markReadResponse{}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("key", conv.String()).
		SetResult(&result).
		Put(readRoute)
	if err = check(resp, err, "mark read"); err != nil {
		return 0, err
	}
	return result.ModifiedCount, nil
}

// MarkUnread marks the target message unread for the caller.
func (c *Client) MarkUnread(ctx context.Context, conv message.Key,
	targetID string) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("key", conv.String()).
		SetBody(markUnreadRequest{TargetID: targetID}).
		Put(unreadRoute)
	return check(resp, err, "mark unread")
}

// SetStarred changes the starred flag of a message.
func (c *Client) SetStarred(ctx context.Context, id string, starred bool) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetBody(starRequest{Starred: starred}).
		Put(starRoute)
	return check(resp, err, "set starred")
}

// Delete deletes messages.
func (c *Client) Delete(ctx context.Context, ids []string, forEveryone bool) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(deleteRequest{IDs: ids, ForEveryone: forEveryone}).
		Post(deleteRoute)
	return check(resp, err, "delete messages")
}

// check converts a transport failure or an error status into an error.
func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return errors.Wrapf(err, "failed to %s", op)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.WithMessagef(ErrUnauthorized, "%s", op)
	case resp.IsError():
		return errors.Errorf("failed to %s: %s: %s", op, resp.Status(),
			resp.String())
	}
	return nil
}
