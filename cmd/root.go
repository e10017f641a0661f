////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package cmd initializes the CLI and config parsers as well as the logger.
package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/elixxir/chatsync/connection"
	"gitlab.com/elixxir/chatsync/message"
	"gitlab.com/elixxir/chatsync/persistence"
	"gitlab.com/elixxir/chatsync/router"
	"gitlab.com/elixxir/chatsync/session"
	"gitlab.com/elixxir/chatsync/storage"
	"gitlab.com/elixxir/chatsync/store"
	"gitlab.com/elixxir/chatsync/versioned"
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Runs an interactive chat session against a chat server",
	Long: `Connects to the chat server, opens the conversation with --peer or
--group and sends every line read from stdin to it. Lines starting with /
are commands; type /help for the list.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))

		if dir := viper.GetString(profileCpuFlag); dir != "" {
			defer profile.Start(profile.CPUProfile,
				profile.ProfilePath(dir), profile.Quiet).Stop()
		}

		token := viper.GetString(tokenFlag)
		s, conv := initSession(token)

		done := make(chan struct{})
		badges := make(chan struct{}, 1)
		registerCallbacks(s, badges, done)
		go printBadges(s, badges, done)

		if err := s.OpenConversation(conv); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		if err := s.Start(token); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		jww.INFO.Printf("Session started in %s", conv)

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		for {
			select {
			case <-done:
				return
			case line, ok := <-lines:
				if !ok {
					if err := s.Close(); err != nil {
						jww.ERROR.Printf("Failed to close session: %+v", err)
					}
					return
				}
				if quit := handleLine(s, conv, line); quit {
					if err := s.Close(); err != nil {
						jww.ERROR.Printf("Failed to close session: %+v", err)
					}
					return
				}
			}
		}
	},
}

// initSession builds the session from the command line and returns it along
// with the conversation to open.
func initSession(token string) (*session.Session, message.Key) {
	p, err := session.GetParameters(viper.GetString(paramsFlag))
	if err != nil {
		jww.FATAL.Panicf("Failed to parse params: %+v", err)
	}

	p.UserID = viper.GetString(selfFlag)
	if p.UserID == "" {
		p.UserID, err = subject(token)
		if err != nil {
			jww.FATAL.Panicf("Pass --%s or a token with a subject: %+v",
				selfFlag, err)
		}
	}

	if u := viper.GetString(urlFlag); u != "" {
		p.Connection.URL = u
	}
	restParams := persistence.GetDefaultParams()
	if u := viper.GetString(apiFlag); u != "" {
		restParams.BaseURL = u
	}

	var conv message.Key
	if group := viper.GetString(groupFlag); group != "" {
		conv = message.GroupKey(group)
	} else if peer := viper.GetString(peerFlag); peer != "" {
		conv = message.DirectKey(p.UserID, peer)
	} else {
		jww.FATAL.Panicf("One of --%s or --%s is required", peerFlag, groupFlag)
	}

	kv := initKV(viper.GetString(kvFlag), viper.GetString(passwordFlag))

	mirror, err := storage.NewMirror(viper.GetString(dbFlag))
	if err != nil {
		jww.FATAL.Panicf("Failed to open database: %+v", err)
	}

	s, err := session.New(p, session.Deps{
		Transport: connection.NewWebsocketTransport(p.Connection),
		Service:   persistence.NewClient(restParams, token),
		KV:        kv,
		Mirror:    mirror,
	})
	if err != nil {
		jww.FATAL.Panicf("Failed to create session: %+v", err)
	}
	jww.INFO.Printf("User: %s", p.UserID)
	return s, conv
}

// initKV opens the file backed store at dir, or a memory store when dir is
// empty.
func initKV(dir, password string) *versioned.KV {
	if dir == "" {
		jww.WARN.Printf("No --%s directory, send tracking will not survive "+
			"a restart", kvFlag)
		return versioned.NewKV(ekv.MakeMemstore())
	}
	fs, err := ekv.NewFilestore(dir, password)
	if err != nil {
		jww.FATAL.Panicf("Failed to open KV at %s: %+v", dir, err)
	}
	return versioned.NewKV(fs)
}

// subject returns the sub claim of an unverified JWT.
func subject(token string) (string, error) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// registerCallbacks prints session output. The callbacks run on the session's
// event loop so they only print and signal; badge queries happen elsewhere.
func registerCallbacks(s *session.Session, badges chan<- struct{},
	done chan<- struct{}) {
	s.OnNotification(func(n router.Notification) {
		if n.Silent {
			jww.DEBUG.Printf("Muted message from %s in %s", n.SenderID,
				n.Conversation)
			return
		}
		fmt.Printf("[%s] %s: %s\n", n.Conversation, n.SenderID, n.Preview)
	})

	s.OnConversationChange(func(message.Key) {
		select {
		case badges <- struct{}{}:
		default:
		}
	})

	err := s.Subscribe("cmd", func(c store.Change) {
		jww.DEBUG.Printf("%s %s in %s", c.Op, c.Key, c.Conversation)
	})
	if err != nil {
		jww.FATAL.Panicf("%+v", err)
	}

	s.OnSessionEvent(func(e session.Event) {
		switch e.Kind {
		case session.LoggedOut:
			fmt.Printf("Logged out: %s\n", e.Reason)
			close(done)
		case session.AuthRejected:
			fmt.Printf("Authentication rejected: %v\n", e.Err)
		case session.ReconnectFailed:
			fmt.Printf("Connection lost: %v\n", e.Err)
		}
	})
}

func printBadges(s *session.Session, badges <-chan struct{},
	done <-chan struct{}) {
	last := uint(0)
	for {
		select {
		case <-done:
			return
		case <-badges:
			b := s.Badge()
			if b != last {
				fmt.Printf("Unread: %d\n", b)
				last = b
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		jww.ERROR.Printf("Failed to read stdin: %+v", err)
	}
	close(lines)
}

const helpText = `Commands:
  /list                 list conversations
  /history              print the open conversation
  /open                 open the conversation
  /close                close the conversation
  /star <id>            toggle the star of a message
  /unread <id>          mark the conversation unread from a message
  /delete <id>          delete a message for yourself
  /delete-all <id>      delete a message for everyone
  /retry <local id>     resend a failed message
  /logout               log out and wipe local state
  /quit                 close the session
`

// handleLine runs one line of input and reports whether the session should
// stop.
func handleLine(s *session.Session, conv message.Key, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		localID, err := s.Send(conv, message.NewText(line), "")
		if err != nil {
			fmt.Printf("Failed to send: %v\n", err)
			return false
		}
		jww.DEBUG.Printf("Sent %s", localID)
		return false
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var err error
	switch fields[0] {
	case "/help":
		fmt.Print(helpText)
	case "/list":
		for _, sum := range s.Conversations() {
			fmt.Printf("%s\tunread %d\t%s\n", sum.Conversation,
				sum.UnreadCount, lastPreview(sum))
		}
	case "/history":
		for _, rec := range s.Messages(conv) {
			fmt.Printf("%s\t%s\t%s\t%s\n", rec.Key(), rec.SenderID,
				rec.State, router.Preview(rec))
		}
	case "/open":
		err = s.OpenConversation(conv)
	case "/close":
		err = s.CloseConversation(conv)
	case "/star":
		var starred bool
		if starred, err = s.ToggleStar(arg); err == nil {
			fmt.Printf("Starred: %t\n", starred)
		}
	case "/unread":
		err = s.MarkUnread(conv, arg)
	case "/delete":
		err = s.DeleteMessages([]string{arg}, false)
	case "/delete-all":
		err = s.DeleteMessages([]string{arg}, true)
	case "/retry":
		err = s.Retry(arg)
	case "/logout":
		// The LoggedOut event ends the session
		err = s.Logout()
	case "/quit":
		return true
	default:
		fmt.Printf("Unknown command %s, try /help\n", fields[0])
	}
	if err != nil {
		fmt.Printf("%s failed: %v\n", fields[0], err)
	}
	return false
}

func lastPreview(sum message.Summary) string {
	if sum.LastMessage == nil {
		return ""
	}
	return router.Preview(*sum.LastMessage)
}

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		// Disable stdout output
		jww.SetStdoutOutput(io.Discard)
		// Use log file
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		jww.INFO.Printf("log level set to: TRACE")
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else if threshold == 1 {
		jww.INFO.Printf("log level set to: DEBUG")
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		jww.INFO.Printf("log level set to: INFO")
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

// initConfig reads the config file named by --config, if any. Flags override
// values in the file.
func initConfig() {
	cfgFile := viper.GetString(configFlag)
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Failed to read config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

// init is the initialization function for Cobra which defines commands
// and flags.
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().UintP(logLevelFlag, "v", 0,
		"Verbose mode for debugging")
	viper.BindPFlag(logLevelFlag, rootCmd.PersistentFlags().Lookup(logLevelFlag))

	rootCmd.PersistentFlags().StringP(logFlag, "l", "-",
		"Path to the log output path (- is stdout)")
	viper.BindPFlag(logFlag, rootCmd.PersistentFlags().Lookup(logFlag))

	rootCmd.PersistentFlags().StringP(configFlag, "c", "",
		"Path to a config file holding any of the flags")
	viper.BindPFlag(configFlag, rootCmd.PersistentFlags().Lookup(configFlag))

	rootCmd.Flags().StringP(tokenFlag, "t", "",
		"Authentication token")
	viper.BindPFlag(tokenFlag, rootCmd.Flags().Lookup(tokenFlag))

	rootCmd.Flags().StringP(selfFlag, "", "",
		"ID of the logged-in user, defaults to the token subject")
	viper.BindPFlag(selfFlag, rootCmd.Flags().Lookup(selfFlag))

	rootCmd.Flags().StringP(peerFlag, "d", "",
		"ID of the user to chat with")
	viper.BindPFlag(peerFlag, rootCmd.Flags().Lookup(peerFlag))

	rootCmd.Flags().StringP(groupFlag, "g", "",
		"ID of the group to chat in, takes precedence over --peer")
	viper.BindPFlag(groupFlag, rootCmd.Flags().Lookup(groupFlag))

	rootCmd.Flags().StringP(urlFlag, "", "",
		"Websocket endpoint of the event connection")
	viper.BindPFlag(urlFlag, rootCmd.Flags().Lookup(urlFlag))

	rootCmd.Flags().StringP(apiFlag, "", "",
		"Base URL of the persistence API")
	viper.BindPFlag(apiFlag, rootCmd.Flags().Lookup(apiFlag))

	rootCmd.Flags().StringP(dbFlag, "", "",
		"Path to the sqlite mirror, in memory if empty")
	viper.BindPFlag(dbFlag, rootCmd.Flags().Lookup(dbFlag))

	rootCmd.Flags().StringP(kvFlag, "s", "",
		"Directory of the local key value store, in memory if empty")
	viper.BindPFlag(kvFlag, rootCmd.Flags().Lookup(kvFlag))

	rootCmd.Flags().StringP(passwordFlag, "p", "",
		"Password to the key value store")
	viper.BindPFlag(passwordFlag, rootCmd.Flags().Lookup(passwordFlag))

	rootCmd.Flags().StringP(paramsFlag, "", "",
		"JSON encoded session params overriding the defaults")
	viper.BindPFlag(paramsFlag, rootCmd.Flags().Lookup(paramsFlag))

	rootCmd.Flags().StringP(profileCpuFlag, "", "",
		"Directory to write a CPU profile to")
	viper.BindPFlag(profileCpuFlag, rootCmd.Flags().Lookup(profileCpuFlag))
}
