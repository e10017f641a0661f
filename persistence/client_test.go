////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package persistence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"

	"gitlab.com/elixxir/chatsync/message"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelTrace)
	os.Exit(m.Run())
}

type request struct {
	method string
	path   string
	auth   string
	body   map[string]interface{}
}

// newServer starts a server that records requests and answers with status
// and reply.
func newServer(t *testing.T, status int, reply interface{}) (*Client, *[]request) {
	var got []request
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			req := request{method: r.Method, path: r.URL.EscapedPath(),
				auth: r.Header.Get("Authorization")}
			if r.ContentLength > 0 {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req.body))
			}
			got = append(got, req)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			if reply != nil {
				require.NoError(t, json.NewEncoder(w).Encode(reply))
			}
		}))
	t.Cleanup(srv.Close)

	p := GetDefaultParams()
	p.BaseURL = srv.URL
	p.Timeout = time.Second
	return NewClient(p, "token"), &got
}

// Tests that a submission is posted with the bearer token and the ack is
// parsed.
func TestClient_SubmitMessage(t *testing.T) {
	at := time.Date(2022, 3, 4, 10, 0, 0, 0, time.UTC)
	c, got := newServer(t, http.StatusCreated, Ack{ID: "S1", LocalID: "L1",
		CreatedAt: at, Body: message.NewText("hi")})

	ack, err := c.SubmitMessage(context.Background(), Submission{
		LocalID: "L1", Conversation: "A-B", SenderID: "A", RecipientID: "B",
		Body: message.NewText("hi"), CreatedAt: at})
	require.NoError(t, err)
	require.Equal(t, "S1", ack.ID)
	require.True(t, at.Equal(ack.CreatedAt))
	require.Equal(t, "hi", ack.Body.Text)

	require.Len(t, *got, 1)
	req := (*got)[0]
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "/messages", req.path)
	require.Equal(t, "Bearer token", req.auth)
	require.Equal(t, "L1", req.body["localId"])
	require.Equal(t, "A-B", req.body["conversationKey"])
}

// Tests that an ack without an ID is a failure.
func TestClient_SubmitMessage_NoID(t *testing.T) {
	c, _ := newServer(t, http.StatusOK, map[string]string{})
	_, err := c.SubmitMessage(context.Background(), Submission{LocalID: "L1"})
	require.Error(t, err)
}

// Tests the mark-read route and its modified count.
func TestClient_MarkRead(t *testing.T) {
	c, got := newServer(t, http.StatusOK, markReadResponse{ModifiedCount: 3})
	n, err := c.MarkRead(context.Background(), "A-B")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, http.MethodPut, (*got)[0].method)
	require.Equal(t, "/conversations/A-B/read", (*got)[0].path)
}

// Tests the remaining routes.
func TestClient_Routes(t *testing.T) {
	c, got := newServer(t, http.StatusNoContent, nil)
	ctx := context.Background()

	require.NoError(t, c.MarkUnread(ctx, "A-B", "S1"))
	require.NoError(t, c.SetStarred(ctx, "S1", true))
	require.NoError(t, c.Delete(ctx, []string{"S1", "S2"}, true))

	require.Len(t, *got, 3)
	require.Equal(t, "/conversations/A-B/unread", (*got)[0].path)
	require.Equal(t, "S1", (*got)[0].body["targetId"])
	require.Equal(t, "/messages/S1/star", (*got)[1].path)
	require.Equal(t, true, (*got)[1].body["starred"])
	require.Equal(t, http.MethodPost, (*got)[2].method)
	require.Equal(t, "/messages/delete", (*got)[2].path)
	require.Equal(t, true, (*got)[2].body["forEveryone"])
}

// Tests that rejected tokens and server errors surface as errors.
func TestClient_Errors(t *testing.T) {
	c, _ := newServer(t, http.StatusUnauthorized, nil)
	_, err := c.MarkRead(context.Background(), "A-B")
	require.True(t, errors.Is(err, ErrUnauthorized))

	c, _ = newServer(t, http.StatusInternalServerError,
		map[string]string{"error": "boom"})
	err = c.SetStarred(context.Background(), "S1", false)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnauthorized))
}

// Tests parameter overrides.
func TestGetParameters(t *testing.T) {
	p, err := GetParameters(`{"BaseURL":"https://chat.example/api"}`)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example/api", p.BaseURL)
	require.Equal(t, GetDefaultParams().Timeout, p.Timeout)

	_, err = GetParameters("{")
	require.Error(t, err)
}
