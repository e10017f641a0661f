////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

// CLI flag name constants. Pulling flags using Viper should use the constants
// defined here.
const (
	// Connection flags
	tokenFlag = "token"
	urlFlag   = "url"
	apiFlag   = "api"

	// Conversation flags
	selfFlag  = "self"
	peerFlag  = "peer"
	groupFlag = "group"

	// Storage flags
	dbFlag       = "db"
	kvFlag       = "kv"
	passwordFlag = "password"

	// Params overrides, as JSON
	paramsFlag = "params"

	// Log flags
	logLevelFlag = "logLevel"
	logFlag      = "log"

	// Misc
	configFlag     = "config"
	profileCpuFlag = "profile-cpu"
)
