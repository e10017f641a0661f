////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Handles command-line version functionality

package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Change this value to set the version for this build
const currentVersion = "0.3.0"

func Version() string {
	return fmt.Sprintf("chatsync v%s (%s %s/%s)\n", currentVersion,
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information for the chatsync binary",
	Long:  `Print the version information for the chatsync binary`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(Version())
	},
}
