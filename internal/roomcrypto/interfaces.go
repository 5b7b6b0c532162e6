package roomcrypto

import (
	"context"
	"errors"
	"log"

	"github.com/tinfoilchat/matrix-go/internal/store"
)

// ErrRoomNotTracked is returned by DeviceTracker lookups when membership for
// the room has not been tracked yet, so device ownership cannot be resolved.
var ErrRoomNotTracked = errors.New("roomcrypto: room membership not tracked")

// ErrSessionNotFound is returned by SessionBackup when the backup holds no
// entry for the requested session. It is an expected outcome, not an error
// condition worth logging.
var ErrSessionNotFound = errors.New("roomcrypto: session not in backup")

// DeviceTracker resolves room membership to devices and identifies devices
// by key. Membership bookkeeping itself lives outside this package.
type DeviceTracker interface {
	TrackRoom(ctx context.Context, roomID string, log *log.Logger) error
	DevicesForTrackedRoom(ctx context.Context, roomID string, hs HomeServer, log *log.Logger) ([]Device, error)
	DevicesForRoomMembers(ctx context.Context, roomID string, userIDs []string, hs HomeServer, log *log.Logger) ([]Device, error)
	// DeviceByCurve25519Key returns nil when the key matches no known device,
	// and ErrRoomNotTracked when membership has not been tracked.
	DeviceByCurve25519Key(key string, txn *store.ReadTxn) (*Device, error)
	WriteMemberChanges(roomID string, changes []MemberChange, txn *store.WriteTxn) error
}

// EncryptedDeviceMessage is a payload olm-encrypted for one target device.
type EncryptedDeviceMessage struct {
	Device  Device
	Content any // m.room.encrypted content for that device's olm session
}

// DeviceMessenger encrypts a payload individually for a set of target
// devices over their pairwise olm channels. Devices for which no message
// could be produced (no viable one-time key) are reported separately;
// partial success is the normal case, not an error.
type DeviceMessenger interface {
	EncryptForDevices(ctx context.Context, devices []Device, eventType string, content any, log *log.Logger) (encrypted []EncryptedDeviceMessage, missing []Device, err error)
}

// HomeServer is the slice of the home-server API this package consumes.
// messages maps user id to device id to event content.
type HomeServer interface {
	SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]any, txnID string, log *log.Logger) error
}

// SessionBackup fetches one session's key material from the remote encrypted
// backup. GetSession returns ErrSessionNotFound when the backup has no entry.
type SessionBackup interface {
	GetSession(ctx context.Context, roomID, sessionID string, log *log.Logger) (*BackupSessionRecord, error)
}
