package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/tinfoilchat/matrix-go/internal/roomcrypto"
)

type pendingCommand struct {
	Room string `long:"room" description:"Limit to one room id"`
}

func (cmd *pendingCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s := openStore()
	defer s.Close()

	txn, err := s.Read(ctx)
	if err != nil {
		return err
	}
	defer txn.Close()

	roomIDs := []string{cmd.Room}
	if cmd.Room == "" {
		roomIDs, err = txn.Operations().RoomIDsByType(roomcrypto.OperationTypeShareRoomKey)
		if err != nil {
			return err
		}
	}

	total := 0
	for _, roomID := range roomIDs {
		ops, err := txn.Operations().AllByTypeAndScope(roomcrypto.OperationTypeShareRoomKey, roomID)
		if err != nil {
			return err
		}
		for _, op := range ops {
			total++
			target := "all current members"
			if op.UserIDs != nil {
				target = strings.Join(op.UserIDs, ", ")
				if target == "" {
					target = "(resolved, empty)"
				}
			}
			var roomKey struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(op.Payload, &roomKey); err != nil {
				roomKey.SessionID = "(corrupt payload)"
			}
			fmt.Printf("  %s room=%s session=%s target=%s\n", op.ID, roomID, roomKey.SessionID, target)
		}
	}
	fmt.Printf("Pending key-share operations: %d\n", total)
	return nil
}
