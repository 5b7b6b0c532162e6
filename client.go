// Package matrix provides the room encryption core of a Matrix client:
// megolm group sessions, durable room-key distribution, batch decryption,
// and key recovery from encrypted backups.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinfoilchat/matrix-go/internal/hsapi"
	"github.com/tinfoilchat/matrix-go/internal/roomcrypto"
	"github.com/tinfoilchat/matrix-go/internal/store"
)

// Re-exported types consumed and produced by the client API.
type (
	Device                 = roomcrypto.Device
	MemberChange           = roomcrypto.MemberChange
	TimelineEvent          = roomcrypto.TimelineEvent
	TimelineEntry          = roomcrypto.TimelineEntry
	EncryptedContent       = roomcrypto.EncryptedContent
	IncomingRoomKey        = roomcrypto.IncomingRoomKey
	BatchDecryptionResult  = roomcrypto.BatchDecryptionResult
	DecryptionResult       = roomcrypto.DecryptionResult
	DecryptError           = roomcrypto.DecryptError
	DecryptionSource       = roomcrypto.DecryptionSource
	DeviceTracker          = roomcrypto.DeviceTracker
	DeviceMessenger        = roomcrypto.DeviceMessenger
	EncryptedDeviceMessage = roomcrypto.EncryptedDeviceMessage
	HomeServer             = roomcrypto.HomeServer
	SessionBackup          = roomcrypto.SessionBackup
	BackupSessionRecord    = roomcrypto.BackupSessionRecord
)

// ErrSessionNotFound is returned by SessionBackup implementations when the
// backup holds no entry for the requested session.
var ErrSessionNotFound = roomcrypto.ErrSessionNotFound

// Decryption batch sources.
const (
	SourceSync     = roomcrypto.SourceSync
	SourceTimeline = roomcrypto.SourceTimeline
	SourceRetry    = roomcrypto.SourceRetry
)

// Client is the main entry point. It owns the store and hands out one Room
// per room id.
type Client struct {
	homeserverURL string
	accessToken   string
	userID        string
	deviceID      string
	senderKey     string
	dbPath        string
	logger        *log.Logger

	tracker   DeviceTracker
	messenger DeviceMessenger
	hs        HomeServer

	rotationMaxMessages uint32
	rotationMaxAge      time.Duration

	onRoomKeyRecovered func(roomID string, key *IncomingRoomKey, eventIDs []string)
	onMissingSession   func(roomID, senderKey, sessionID string)

	store      *store.Store
	encryption *roomcrypto.Encryption
	decryption *roomcrypto.Decryption

	mu     sync.Mutex
	rooms  map[string]*Room
	backup roomcrypto.SessionBackup
}

// Option configures a Client.
type Option func(*Client)

// WithHomeServer sets the home-server base URL and the access token used on
// every request.
func WithHomeServer(baseURL, accessToken string) Option {
	return func(c *Client) {
		c.homeserverURL = baseURL
		c.accessToken = accessToken
	}
}

// WithHomeServerClient injects a custom home-server transport instead of the
// built-in HTTP client.
func WithHomeServerClient(hs HomeServer) Option {
	return func(c *Client) { c.hs = hs }
}

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/matrix-go/<user id>.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRotationPolicy overrides how often outbound sessions rotate. Zero
// values keep the defaults of 100 messages and 7 days.
func WithRotationPolicy(maxMessages uint32, maxAge time.Duration) Option {
	return func(c *Client) {
		c.rotationMaxMessages = maxMessages
		c.rotationMaxAge = maxAge
	}
}

// WithRoomKeyRecoveredHandler is called when a key recovered from backup
// unblocks previously undecryptable events; eventIDs are the events worth
// retrying.
func WithRoomKeyRecoveredHandler(fn func(roomID string, key *IncomingRoomKey, eventIDs []string)) Option {
	return func(c *Client) { c.onRoomKeyRecovered = fn }
}

// WithMissingSessionHandler is called when a session is missing and no
// backup is configured to recover it from.
func WithMissingSessionHandler(fn func(roomID, senderKey, sessionID string)) Option {
	return func(c *Client) { c.onMissingSession = fn }
}

// WithSessionBackup injects a caller-supplied backup implementation instead
// of the built-in room_keys client. Like EnableSessionBackup, the first
// backup configured wins.
func WithSessionBackup(backup SessionBackup) Option {
	return func(c *Client) {
		if c.backup == nil {
			c.backup = backup
		}
	}
}

// NewClient creates a client for one device identity. userID and deviceID
// identify this device to the home server; senderKey is its curve25519
// identity key. tracker resolves room membership to devices and messenger
// provides the pairwise olm channels for key delivery; both are supplied by
// the surrounding client stack.
func NewClient(userID, deviceID, senderKey string, tracker DeviceTracker, messenger DeviceMessenger, opts ...Option) *Client {
	c := &Client{
		userID:    userID,
		deviceID:  deviceID,
		senderKey: senderKey,
		tracker:   tracker,
		messenger: messenger,
		rooms:     map[string]*Room{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open opens the store and initializes the encryption engines. Must be
// called before any room is used.
func (c *Client) Open(ctx context.Context) error {
	if c.tracker == nil || c.messenger == nil {
		return fmt.Errorf("matrix: device tracker and messenger are required")
	}
	if c.hs == nil {
		if c.homeserverURL == "" {
			return fmt.Errorf("matrix: no home server configured")
		}
		c.hs = hsapi.NewClient(c.homeserverURL, c.accessToken)
	}
	dbPath := c.dbPath
	if dbPath == "" {
		dbPath = filepath.Join(store.DefaultDataDir(), c.userID+".db")
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	c.store = s
	c.encryption = roomcrypto.NewEncryption(roomcrypto.EncryptionConfig{
		OwnUserID:           c.userID,
		OwnDeviceID:         c.deviceID,
		OwnSenderKey:        c.senderKey,
		RotationMaxMessages: c.rotationMaxMessages,
		RotationMaxAge:      c.rotationMaxAge,
	})
	c.decryption = roomcrypto.NewDecryption()
	logf(c.logger, "opened store at %s", dbPath)
	return nil
}

// Close disposes all rooms and closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, room := range c.rooms {
		room.re.Dispose()
	}
	c.rooms = map[string]*Room{}
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// Room returns the encryption handle for one room, creating it on first
// use.
func (c *Client) Room(roomID string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room, ok := c.rooms[roomID]; ok {
		return room
	}
	re := roomcrypto.NewRoomEncryption(roomcrypto.RoomEncryptionConfig{
		RoomID:     roomID,
		Store:      c.store,
		Encryption: c.encryption,
		Decryption: c.decryption,
		Tracker:    c.tracker,
		Messenger:  c.messenger,
		NotifyRoomKey: func(key *IncomingRoomKey, eventIDs []string, log *log.Logger) {
			if c.onRoomKeyRecovered != nil {
				c.onRoomKeyRecovered(roomID, key, eventIDs)
			}
		},
		NotifyMissingSession: func(senderKey, sessionID string) {
			if c.onMissingSession != nil {
				c.onMissingSession(roomID, senderKey, sessionID)
			}
		},
		Logger: c.logger,
	})
	if c.backup != nil {
		re.EnableSessionBackup(c.backup)
	}
	room := &Room{c: c, roomID: roomID, re: re}
	c.rooms[roomID] = room
	return room
}

// EnableSessionBackup configures key recovery from the remote encrypted
// backup for all rooms, current and future. version names the backup on the
// server; privateKey is its 32-byte curve25519 decryption key. To recover
// through something other than the built-in room_keys client, inject a
// SessionBackup with WithSessionBackup instead.
func (c *Client) EnableSessionBackup(version string, privateKey []byte) error {
	client, ok := c.hs.(*hsapi.Client)
	if !ok {
		return fmt.Errorf("matrix: session backup needs the built-in home-server client")
	}
	backup, err := hsapi.NewBackupClient(client, version, privateKey)
	if err != nil {
		return err
	}
	return c.enableSessionBackup(backup)
}

func (c *Client) enableSessionBackup(backup roomcrypto.SessionBackup) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backup != nil {
		return nil
	}
	c.backup = backup
	for _, room := range c.rooms {
		room.re.EnableSessionBackup(backup)
	}
	return nil
}

// FlushPendingRoomKeyShares delivers key-share operations left over from a
// previous run, across all rooms. Call once on startup.
func (c *Client) FlushPendingRoomKeyShares(ctx context.Context) error {
	txn, err := c.store.Read(ctx)
	if err != nil {
		return err
	}
	roomIDs, err := txn.Operations().RoomIDsByType(roomcrypto.OperationTypeShareRoomKey)
	txn.Close()
	if err != nil {
		return err
	}
	for _, roomID := range roomIDs {
		if err := c.Room(roomID).FlushPendingKeyShares(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Room is the per-room encryption handle.
type Room struct {
	c      *Client
	roomID string
	re     *roomcrypto.RoomEncryption
}

// Encrypt ciphers one outgoing event and returns the m.room.encrypted
// content to send. If a new session had to be created, its key is
// distributed to member devices in the background.
func (r *Room) Encrypt(ctx context.Context, eventType string, content json.RawMessage) (*EncryptedContent, error) {
	return r.re.Encrypt(ctx, eventType, content, r.c.hs, r.c.logger)
}

// EnsureMessageKeyIsShared proactively creates and distributes the room's
// session before the first message is sent. Rate-limited; safe to call on
// every composer focus.
func (r *Room) EnsureMessageKeyIsShared(ctx context.Context) error {
	return r.re.EnsureMessageKeyIsShared(ctx, r.c.hs, r.c.logger)
}

// DecryptBatch decrypts a batch of encrypted events from one source,
// persists its effects, and resolves sender devices. newKeys are room keys
// that arrived alongside the events and are written in the same
// transaction.
func (r *Room) DecryptBatch(ctx context.Context, events []*TimelineEvent, newKeys []*IncomingRoomKey, source DecryptionSource) (*BatchDecryptionResult, error) {
	rtxn, err := r.c.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	prep, err := r.re.PrepareDecryptAll(events, newKeys, source, rtxn)
	rtxn.Close()
	if err != nil {
		return nil, err
	}

	wtxn, err := r.c.store.ReadWrite(ctx)
	if err != nil {
		prep.Dispose()
		return nil, err
	}
	defer wtxn.Abort()
	notifyUnblocked, err := r.re.WriteRoomKeys(newKeys, wtxn, r.c.logger)
	if err != nil {
		return nil, err
	}
	result, err := prep.Write(wtxn, r.c.logger)
	if err != nil {
		return nil, err
	}
	if err := r.re.VerifySenders(result, &wtxn.ReadTxn); err != nil {
		return nil, err
	}
	if err := wtxn.Commit(); err != nil {
		return nil, err
	}
	notifyUnblocked()
	return result, nil
}

// WriteMemberChanges applies membership transitions to the room's
// encryption state: leaves rotate the session, joins get the current key
// shared with them.
func (r *Room) WriteMemberChanges(ctx context.Context, changes []MemberChange) error {
	txn, err := r.c.store.ReadWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	flush, err := r.re.WriteMemberChanges(changes, txn, r.c.logger)
	if err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if flush {
		if err := r.FlushPendingKeyShares(ctx); err != nil {
			logf(r.c.logger, "room %s: key share flush failed: %v", r.roomID, err)
		}
	}
	return nil
}

// FlushPendingKeyShares delivers this room's pending key-share operations.
// A no-op if a flush is already running.
func (r *Room) FlushPendingKeyShares(ctx context.Context) error {
	return r.re.FlushPendingRoomKeyShares(ctx, r.c.hs, nil, r.c.logger)
}

// RestoreMissingSessionsFromBackup recovers keys for still-encrypted
// timeline entries from the backup, most recently viewed first.
func (r *Room) RestoreMissingSessionsFromBackup(ctx context.Context, entries []*TimelineEntry) error {
	return r.re.RestoreMissingSessionsFromBackup(ctx, entries, r.c.logger)
}

// NotifyTimelineClosed releases caches scoped to the room's open timeline
// window.
func (r *Room) NotifyTimelineClosed() {
	r.re.NotifyTimelineClosed()
}

// NeedsToShareKeys reports whether the member changes will require key
// sharing, letting callers order decryption before share processing.
func (r *Room) NeedsToShareKeys(changes []MemberChange) bool {
	return r.re.NeedsToShareKeys(changes)
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
