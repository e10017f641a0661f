////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"gitlab.com/elixxir/chatsync/message"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestSubject(t *testing.T) {
	sub, err := subject(signed(t, jwt.MapClaims{"sub": "alice"}))
	require.NoError(t, err)
	require.Equal(t, "alice", sub)
}

func TestSubject_Missing(t *testing.T) {
	_, err := subject(signed(t, jwt.MapClaims{"name": "alice"}))
	require.Error(t, err)

	_, err = subject("not-a-jwt")
	require.Error(t, err)
}

func TestLastPreview(t *testing.T) {
	require.Empty(t, lastPreview(message.Summary{}))

	last := &message.Record{Body: message.NewText("hello")}
	require.Equal(t, "hello",
		lastPreview(message.Summary{LastMessage: last}))
}

func TestVersion(t *testing.T) {
	require.True(t, strings.HasPrefix(Version(), "chatsync v"+currentVersion))
}
