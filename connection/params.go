////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package connection

import (
	"encoding/json"
	"time"
)

// Params configures the connection manager and its websocket transport.
type Params struct {
	// URL is the websocket endpoint, e.g. wss://chat.example/ws.
	URL string

	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// RetryDelay is the delay before the first reconnection attempt.
	RetryDelay time.Duration

	// RetryMultiplier grows the delay between attempts. 1 keeps it fixed.
	RetryMultiplier float64

	// MaxRetryDelay caps the delay between attempts.
	MaxRetryDelay time.Duration

	// MaxRetries is the number of reconnection attempts after a failure
	// before the manager gives up and reports the session lost.
	MaxRetries uint64
}

// GetDefaultParams returns a Params object containing the default parameters.
// The retry values match the server's reconnection policy: a fixed one second
// delay and ten attempts.
func GetDefaultParams() Params {
	return Params{
		URL:              "ws://localhost:8080/ws",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		RetryDelay:       time.Second,
		RetryMultiplier:  1,
		MaxRetryDelay:    30 * time.Second,
		MaxRetries:       10,
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
