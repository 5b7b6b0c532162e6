package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sessionsCommand struct {
	Room string `long:"room" required:"true" description:"Room id (e.g. !abc:example.org)"`
}

func (cmd *sessionsCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s := openStore()
	defer s.Close()

	txn, err := s.Read(ctx)
	if err != nil {
		return err
	}
	defer txn.Close()

	sessions, err := txn.InboundGroupSessions().AllForRoom(cmd.Room)
	if err != nil {
		return err
	}

	fmt.Printf("Inbound group sessions for %s (%d):\n", cmd.Room, len(sessions))
	for _, sess := range sessions {
		origin := "shared"
		if sess.FromBackup {
			origin = "backup"
		}
		fmt.Printf("  %s sender=%s firstIndex=%d origin=%s\n",
			sess.SessionID, sess.SenderKey, sess.FirstKnownIndex, origin)
	}
	return nil
}
