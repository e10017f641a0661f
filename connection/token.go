////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package connection

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Error messages.
var (
	ErrAuthRejected = errors.New("server rejected the authentication token")
	ErrTokenExpired = errors.New("authentication token is expired")
	ErrEmptyToken   = errors.New("no authentication token")
)

// CheckToken inspects the token locally before dialing. The signature is not
// verified; only the server can do that. Tokens that are not JWTs are passed
// through for the server to judge.
func CheckToken(token string, now time.Time) error {
	if token == "" {
		return errors.WithMessage(ErrAuthRejected, ErrEmptyToken.Error())
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		jww.DEBUG.Printf("[CONN] Token is not a JWT, leaving it to the "+
			"server: %s", err)
		return nil
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return errors.Wrap(ErrAuthRejected, err.Error())
	}
	if exp != nil && !now.Before(exp.Time) {
		return errors.WithMessagef(ErrAuthRejected, "%s at %s",
			ErrTokenExpired, exp.Time)
	}
	return nil
}
