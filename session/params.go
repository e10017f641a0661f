////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package session

import (
	"encoding/json"
	"time"

	"gitlab.com/elixxir/chatsync/connection"
	"gitlab.com/elixxir/chatsync/persistence"
	"gitlab.com/elixxir/chatsync/receipts"
	"gitlab.com/elixxir/chatsync/send"
	"gitlab.com/elixxir/chatsync/storage"
	"gitlab.com/elixxir/chatsync/versioned"
)

// Params contains the parameters of a session.
type Params struct {
	// UserID is the ID of the logged-in user.
	UserID string

	// ActionTimeout bounds the persistence calls made on behalf of the UI:
	// starring, deleting and marking unread.
	ActionTimeout time.Duration

	Connection connection.Params
	Send       send.Params
	Receipts   receipts.Params
}

// GetDefaultParams returns a Params object containing the default parameters.
func GetDefaultParams() Params {
	return Params{
		ActionTimeout: 10 * time.Second,
		Connection:    connection.GetDefaultParams(),
		Send:          send.GetDefaultParams(),
		Receipts:      receipts.GetDefaultParams(),
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

// Deps are the external services a session runs on.
type Deps struct {
	// Transport dials the live event connection.
	Transport connection.Transport

	// Service is the persistence API.
	Service persistence.Service

	// KV holds the send tracker. Purged on logout.
	KV *versioned.KV

	// Mirror, if set, is filled from every store change and used to restore
	// the stores on startup. Purged on logout.
	Mirror *storage.Mirror
}
