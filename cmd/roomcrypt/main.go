// Command roomcrypt inspects and maintains the local room encryption store.
//
// Usage:
//
//	roomcrypt sessions --room <id>       List inbound group sessions for a room
//	roomcrypt pending                    List pending key-share operations
//	roomcrypt discard-session --room <id>  Discard a room's outbound session
package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"github.com/tinfoilchat/matrix-go/internal/store"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to database file"`
	User    string `short:"u" long:"user" description:"User id whose default database to open (e.g. @alice:example.org)"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Sessions sessionsCommand `command:"sessions" description:"List inbound group sessions for a room"`
	Pending  pendingCommand  `command:"pending" description:"List pending key-share operations"`
	Discard  discardCommand  `command:"discard-session" description:"Discard a room's outbound session, forcing rotation"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func openStore() *store.Store {
	dbPath := opts.DB
	if dbPath == "" && opts.User != "" {
		dbPath = filepath.Join(store.DefaultDataDir(), opts.User+".db")
	}
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --db or --user is required")
		os.Exit(1)
	}
	s, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return s
}
