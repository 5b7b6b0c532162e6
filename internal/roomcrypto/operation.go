package roomcrypto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tinfoilchat/matrix-go/internal/store"
)

// OperationTypeShareRoomKey is the durable operation type for distributing a
// room key to member devices.
const OperationTypeShareRoomKey = "share_room_key"

// ShareTarget is the set of users a share operation addresses: either all
// current room members (not yet resolved to a concrete list) or an explicit
// user id list. The unresolved state is durable, so a crash before member
// resolution never loses the "share to everyone" intent.
type ShareTarget struct {
	all   bool
	users []string
}

// ShareWithAllMembers targets every member of the room at processing time.
func ShareWithAllMembers() ShareTarget {
	return ShareTarget{all: true}
}

// ShareWithUsers targets an explicit user list.
func ShareWithUsers(userIDs []string) ShareTarget {
	if userIDs == nil {
		userIDs = []string{}
	}
	return ShareTarget{users: userIDs}
}

// All reports whether the target is the unresolved "all members" set.
func (t ShareTarget) All() bool { return t.all }

// Users returns the explicit user list. Only meaningful when All is false.
func (t ShareTarget) Users() []string { return t.users }

// ShareOperation is one durable in-flight "share room key" operation.
type ShareOperation struct {
	ID      string
	RoomID  string
	Target  ShareTarget
	RoomKey *RoomKeyMessage
}

func newShareOperation(roomID string, target ShareTarget, roomKey *RoomKeyMessage) *ShareOperation {
	return &ShareOperation{
		ID:      uuid.NewString(),
		RoomID:  roomID,
		Target:  target,
		RoomKey: roomKey,
	}
}

// record converts the operation to its storage form. The unresolved target
// maps to a nil user id list.
func (op *ShareOperation) record() (*store.Operation, error) {
	payload, err := json.Marshal(op.RoomKey)
	if err != nil {
		return nil, fmt.Errorf("roomcrypto: encode room key message: %w", err)
	}
	rec := &store.Operation{
		ID:      op.ID,
		Type:    OperationTypeShareRoomKey,
		RoomID:  op.RoomID,
		Payload: payload,
	}
	if !op.Target.all {
		rec.UserIDs = op.Target.users
		if rec.UserIDs == nil {
			rec.UserIDs = []string{}
		}
	}
	return rec, nil
}

func shareOperationFromRecord(rec *store.Operation) (*ShareOperation, error) {
	if rec.Type != OperationTypeShareRoomKey {
		return nil, fmt.Errorf("roomcrypto: operation %s has type %q", rec.ID, rec.Type)
	}
	roomKey := &RoomKeyMessage{}
	if err := json.Unmarshal(rec.Payload, roomKey); err != nil {
		return nil, fmt.Errorf("roomcrypto: decode room key message for operation %s: %w", rec.ID, err)
	}
	op := &ShareOperation{ID: rec.ID, RoomID: rec.RoomID, RoomKey: roomKey}
	if rec.UserIDs == nil {
		op.Target = ShareWithAllMembers()
	} else {
		op.Target = ShareWithUsers(rec.UserIDs)
	}
	return op, nil
}
