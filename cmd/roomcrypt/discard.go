package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type discardCommand struct {
	Room string `long:"room" required:"true" description:"Room id whose outbound session to discard"`
}

func (cmd *discardCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s := openStore()
	defer s.Close()

	txn, err := s.ReadWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()

	if err := txn.OutboundGroupSessions().Remove(cmd.Room); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}

	fmt.Printf("Discarded outbound session for %s; the next message will use a fresh key.\n", cmd.Room)
	return nil
}
