package roomcrypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinfoilchat/matrix-go/internal/megolm"
	"github.com/tinfoilchat/matrix-go/internal/store"
)

const (
	// DefaultKeyShareGracePeriod is how long a missing key gets to arrive via
	// normal sharing before backup recovery is tried.
	DefaultKeyShareGracePeriod = 10 * time.Second
	// DefaultMinPreShareInterval rate-limits proactive outbound session
	// checks.
	DefaultMinPreShareInterval = 60 * time.Second
	// DefaultSyncCacheSize serves live sync traffic, which overwhelmingly
	// decrypts with the latest session per sender.
	DefaultSyncCacheSize = 1
)

// RoomEncryptionConfig configures a room's encryption orchestrator.
type RoomEncryptionConfig struct {
	RoomID     string
	Store      *store.Store
	Encryption *Encryption
	Decryption *Decryption
	Tracker    DeviceTracker
	Messenger  DeviceMessenger

	// NotifyRoomKey is called when a recovered key unblocks events, so the
	// room can retry decrypting them.
	NotifyRoomKey func(key *IncomingRoomKey, eventIDs []string, log *log.Logger)
	// NotifyMissingSession is called when a session is missing and no backup
	// is configured to recover it from.
	NotifyMissingSession func(senderKey, sessionID string)

	// Cache sizes; zero means the default for sync and unbounded for
	// backfill.
	SyncCacheSize     int
	BackfillCacheSize int

	KeyShareGracePeriod time.Duration
	MinPreShareInterval time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// RoomEncryption coordinates the encryption state of one room: it drives the
// encryption and decryption engines, persists key-share operations before
// relying on their delivery, fans room keys out to member devices, and
// recovers missing keys from backup.
type RoomEncryption struct {
	roomID     string
	store      *store.Store
	encryption *Encryption
	decryption *Decryption
	tracker    DeviceTracker
	messenger  DeviceMessenger

	notifyRoomKey        func(key *IncomingRoomKey, eventIDs []string, log *log.Logger)
	notifyMissingSession func(senderKey, sessionID string)

	syncCache     *SessionCache
	backfillCache *SessionCache
	backfillSize  int
	cacheMu       sync.Mutex // guards backfillCache replacement

	senderMu      sync.Mutex
	senderDevices map[string]*Device // sender curve25519 key → device

	backupMu sync.Mutex
	backup   SessionBackup

	preShareMu   sync.Mutex
	lastPreShare time.Time

	flushing atomic.Bool // guards FlushPendingRoomKeyShares against itself
	disposed atomic.Bool

	gracePeriod      time.Duration
	preShareInterval time.Duration

	logger   *log.Logger
	now      func() time.Time
	detached sync.WaitGroup
}

// NewRoomEncryption creates the orchestrator for one room.
func NewRoomEncryption(cfg RoomEncryptionConfig) *RoomEncryption {
	r := &RoomEncryption{
		roomID:               cfg.RoomID,
		store:                cfg.Store,
		encryption:           cfg.Encryption,
		decryption:           cfg.Decryption,
		tracker:              cfg.Tracker,
		messenger:            cfg.Messenger,
		notifyRoomKey:        cfg.NotifyRoomKey,
		notifyMissingSession: cfg.NotifyMissingSession,
		backfillSize:         cfg.BackfillCacheSize,
		senderDevices:        map[string]*Device{},
		gracePeriod:          cfg.KeyShareGracePeriod,
		preShareInterval:     cfg.MinPreShareInterval,
		logger:               cfg.Logger,
		now:                  cfg.Now,
	}
	syncSize := cfg.SyncCacheSize
	if syncSize == 0 {
		syncSize = DefaultSyncCacheSize
	}
	r.syncCache = NewSessionCache(syncSize)
	r.backfillCache = NewSessionCache(r.backfillSize)
	if r.gracePeriod == 0 {
		r.gracePeriod = DefaultKeyShareGracePeriod
	}
	if r.preShareInterval == 0 {
		r.preShareInterval = DefaultMinPreShareInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Dispose tears the orchestrator down. Detached tasks still in flight
// observe the disposed flag and abort before touching storage.
func (r *RoomEncryption) Dispose() {
	if !r.disposed.CompareAndSwap(false, true) {
		return
	}
	r.syncCache.Dispose()
	r.cacheMu.Lock()
	r.backfillCache.Dispose()
	r.cacheMu.Unlock()
}

// Wait blocks until all detached background tasks have finished. Intended
// for orderly shutdown and tests.
func (r *RoomEncryption) Wait() {
	r.detached.Wait()
}

// EnableSessionBackup configures the backup client used to recover missing
// keys. The first client wins; later calls are ignored.
func (r *RoomEncryption) EnableSessionBackup(backup SessionBackup) {
	r.backupMu.Lock()
	defer r.backupMu.Unlock()
	if r.backup == nil {
		r.backup = backup
	}
}

func (r *RoomEncryption) sessionBackup() SessionBackup {
	r.backupMu.Lock()
	defer r.backupMu.Unlock()
	return r.backup
}

// NotifyTimelineClosed releases per-timeline state: the backfill cache only
// served the now-closed timeline window, and the sender-device cache is
// rebuilt for the next one. The sync cache stays; it protects live traffic
// regardless of which window is viewed.
func (r *RoomEncryption) NotifyTimelineClosed() {
	r.cacheMu.Lock()
	r.backfillCache.Dispose()
	r.backfillCache = NewSessionCache(r.backfillSize)
	r.cacheMu.Unlock()

	r.senderMu.Lock()
	clear(r.senderDevices)
	r.senderMu.Unlock()
}

// NeedsToShareKeys reports whether the member changes require sharing the
// room key, i.e. whether anyone joined.
func (r *RoomEncryption) NeedsToShareKeys(changes []MemberChange) bool {
	for _, c := range changes {
		if c.HasJoined() {
			return true
		}
	}
	return false
}

// WriteMemberChanges applies the membership-driven encryption policy inside
// the given transaction:
//
//   - any leave invalidates the outbound session, so a departed member who
//     cached it cannot read future messages;
//   - any join against a surviving, unexpired session persists a share
//     operation scoped to exactly the joining users.
//
// It returns whether the caller should flush pending key shares once the
// transaction commits. No network traffic happens here; persistence and
// transmission stay separate so membership processing remains transactional.
func (r *RoomEncryption) WriteMemberChanges(changes []MemberChange, txn *store.WriteTxn, log *log.Logger) (bool, error) {
	var joined []string
	anyLeft := false
	for _, c := range changes {
		if c.HasLeft() {
			anyLeft = true
		}
		if c.HasJoined() {
			joined = append(joined, c.UserID)
		}
	}

	if anyLeft {
		logf(log, "room %s: member left, discarding outbound session", r.roomID)
		if err := r.encryption.DiscardOutboundSession(r.roomID, txn); err != nil {
			return false, err
		}
	}
	if err := r.tracker.WriteMemberChanges(r.roomID, changes, txn); err != nil {
		return false, err
	}

	if len(joined) == 0 || anyLeft {
		return false, nil
	}
	roomKey, err := r.encryption.CreateRoomKeyMessage(r.roomID, &txn.ReadTxn)
	if err != nil {
		return false, err
	}
	if roomKey == nil {
		// No live session to share; joiners get the key when one is created.
		return false, nil
	}
	op := newShareOperation(r.roomID, ShareWithUsers(joined), roomKey)
	rec, err := op.record()
	if err != nil {
		return false, err
	}
	if err := txn.Operations().Add(rec); err != nil {
		return false, fmt.Errorf("roomcrypto: persist share operation: %w", err)
	}
	logf(log, "room %s: prepared key share for %d joined member(s)", r.roomID, len(joined))
	return true, nil
}

// RoomDecryptionPreparation defers the transactional half of a decrypt
// batch. Dispose it if Write is never called.
type RoomDecryptionPreparation struct {
	r          *RoomEncryption
	prep       *DecryptionPreparation
	source     DecryptionSource
	retryCache *SessionCache // only for SourceRetry
}

// PrepareDecryptAll resolves sessions for a batch of encrypted events using
// the cache appropriate to the source: sync and timeline batches use their
// long-lived caches, retry batches get a throwaway cache so they cannot
// pollute either.
func (r *RoomEncryption) PrepareDecryptAll(events []*TimelineEvent, newKeys []*IncomingRoomKey, source DecryptionSource, txn *store.ReadTxn) (*RoomDecryptionPreparation, error) {
	var cache, retryCache *SessionCache
	switch source {
	case SourceSync:
		cache = r.syncCache
	case SourceTimeline:
		r.cacheMu.Lock()
		cache = r.backfillCache
		r.cacheMu.Unlock()
	case SourceRetry:
		retryCache = NewSessionCache(0)
		cache = retryCache
	default:
		return nil, fmt.Errorf("roomcrypto: unknown decryption source %d", source)
	}
	prep, err := r.decryption.PrepareDecryptAll(r.roomID, events, newKeys, cache, txn)
	if err != nil {
		if retryCache != nil {
			retryCache.Dispose()
		}
		return nil, err
	}
	return &RoomDecryptionPreparation{r: r, prep: prep, source: source, retryCache: retryCache}, nil
}

// Dispose releases resources acquired during preparation. Required when
// Write is never called; harmless otherwise.
func (p *RoomDecryptionPreparation) Dispose() {
	if p.retryCache != nil {
		p.retryCache.Dispose()
	}
}

// Write decrypts the prepared batch and persists its effects in the given
// transaction. Events that failed with a missing session are grouped by
// (sender key, session id); for sync batches the blocked event ids are
// persisted and, detached from this call, backup recovery is attempted for
// keys that have not arrived within the grace window.
func (p *RoomDecryptionPreparation) Write(txn *store.WriteTxn, log *log.Logger) (*BatchDecryptionResult, error) {
	defer p.Dispose()
	changes := p.prep.DecryptAll()
	result, err := changes.Write(txn)
	if err != nil {
		return nil, err
	}

	missing := groupMissingSessions(result.Errors)
	if len(missing) > 0 && p.source == SourceSync {
		for key, eventIDs := range missing {
			err := p.r.decryption.AddMissingKeyEventIDs(txn, p.r.roomID, key.senderKey, key.sessionID, eventIDs)
			if err != nil {
				return nil, fmt.Errorf("roomcrypto: record missing-key events: %w", err)
			}
		}
		keys := make([]missingSessionKey, 0, len(missing))
		for key := range missing {
			keys = append(keys, key)
		}
		p.r.detach(func(ctx context.Context) {
			p.r.recoverAfterGracePeriod(ctx, keys, log)
		})
	}
	return result, nil
}

// missingSessionKey identifies a session a batch could not decrypt with.
type missingSessionKey struct {
	senderKey string
	sessionID string
}

func groupMissingSessions(errs map[string]*DecryptError) map[missingSessionKey][]string {
	grouped := map[missingSessionKey][]string{}
	for eventID, err := range errs {
		if err.Code != CodeNoSession {
			continue
		}
		key := missingSessionKey{senderKey: err.SenderKey, sessionID: err.SessionID}
		grouped[key] = append(grouped[key], eventID)
	}
	return grouped
}

// detach spawns a fire-and-forget task. Its errors go to the logger, never
// to a caller, and it runs under a fresh context since the triggering call
// has long returned.
func (r *RoomEncryption) detach(fn func(ctx context.Context)) {
	r.detached.Add(1)
	go func() {
		defer r.detached.Done()
		fn(context.Background())
	}()
}

// recoverAfterGracePeriod waits for missing keys to arrive through normal
// sharing, then requests the remainder from backup. Runs detached; every
// storage access is preceded by a disposed check since the room may be torn
// down while we sleep.
func (r *RoomEncryption) recoverAfterGracePeriod(ctx context.Context, keys []missingSessionKey, log *log.Logger) {
	time.Sleep(r.gracePeriod)
	if r.disposed.Load() {
		return
	}

	txn, err := r.store.Read(ctx)
	if err != nil {
		logf(log, "room %s: grace-period recheck failed: %v", r.roomID, err)
		return
	}
	var still []missingSessionKey
	for _, key := range keys {
		has, err := r.decryption.HasSession(txn, r.roomID, key.senderKey, key.sessionID)
		if err != nil {
			logf(log, "room %s: grace-period recheck failed: %v", r.roomID, err)
			txn.Close()
			return
		}
		if !has {
			still = append(still, key)
		}
	}
	txn.Close()

	for _, key := range still {
		if r.disposed.Load() {
			return
		}
		r.requestMissingSessionFromBackup(ctx, key.senderKey, key.sessionID, log)
	}
}

// RestoreMissingSessionsFromBackup recovers keys for timeline entries that
// are encrypted but still undecrypted, most recently viewed first. Each
// session's recovery is independent and best-effort: one failure never
// aborts the others.
func (r *RoomEncryption) RestoreMissingSessionsFromBackup(ctx context.Context, entries []*TimelineEntry, log *log.Logger) error {
	var keys []missingSessionKey
	seen := map[missingSessionKey]bool{}
	// Walk newest first so the most recently viewed messages recover first.
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if !entry.Undecrypted || entry.Event == nil {
			continue
		}
		content := &EncryptedContent{}
		if err := json.Unmarshal(entry.Event.Content, content); err != nil || content.SessionID == "" {
			continue
		}
		key := missingSessionKey{senderKey: content.SenderKey, sessionID: content.SessionID}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	txn, err := r.store.Read(ctx)
	if err != nil {
		return err
	}
	var missing []missingSessionKey
	for _, key := range keys {
		has, err := r.decryption.HasSession(txn, r.roomID, key.senderKey, key.sessionID)
		if err != nil {
			txn.Close()
			return err
		}
		if !has {
			missing = append(missing, key)
		}
	}
	txn.Close()

	for _, key := range missing {
		r.requestMissingSessionFromBackup(ctx, key.senderKey, key.sessionID, log)
	}
	return nil
}

// requestMissingSessionFromBackup fetches one session from backup and
// imports it. All failures are terminal for this attempt and swallowed: a
// not-found response is expected and silent, anything else is logged. A
// record whose sender key does not match the one the events claim is never
// imported; accepting it would let the backup substitute a key for a
// different sender.
func (r *RoomEncryption) requestMissingSessionFromBackup(ctx context.Context, senderKey, sessionID string, log *log.Logger) {
	backup := r.sessionBackup()
	if backup == nil {
		if r.notifyMissingSession != nil {
			r.notifyMissingSession(senderKey, sessionID)
		}
		return
	}

	rec, err := backup.GetSession(ctx, r.roomID, sessionID, log)
	if errors.Is(err, ErrSessionNotFound) {
		return
	}
	if err != nil {
		logf(log, "room %s: backup fetch for session %s failed: %v", r.roomID, sessionID, err)
		return
	}
	if rec.Algorithm != megolm.Algorithm {
		logf(log, "room %s: backup session %s has unexpected algorithm %q", r.roomID, sessionID, rec.Algorithm)
		return
	}
	if rec.SenderKey != senderKey {
		logf(log, "warning: room %s: backup session %s sender key mismatch (claimed %s, backup %s), not importing",
			r.roomID, sessionID, senderKey, rec.SenderKey)
		return
	}
	roomKey := r.decryption.RoomKeyFromBackup(r.roomID, sessionID, rec)
	if roomKey == nil {
		logf(log, "room %s: backup session %s has unusable key material", r.roomID, sessionID)
		return
	}

	if r.disposed.Load() {
		return
	}
	txn, err := r.store.ReadWrite(ctx)
	if err != nil {
		logf(log, "room %s: backup import txn failed: %v", r.roomID, err)
		return
	}
	defer txn.Abort()
	isBetter, err := r.decryption.WriteRoomKey(roomKey, txn)
	if err != nil {
		logf(log, "room %s: backup import for session %s failed: %v", r.roomID, sessionID, err)
		return
	}
	var eventIDs []string
	if isBetter {
		eventIDs, err = r.decryption.EventIDsForMissingKey(&txn.ReadTxn, r.roomID, senderKey, sessionID)
		if err != nil {
			logf(log, "room %s: backup import for session %s failed: %v", r.roomID, sessionID, err)
			return
		}
		if err := txn.MissingSessionEvents().Remove(r.roomID, senderKey, sessionID); err != nil {
			logf(log, "room %s: backup import for session %s failed: %v", r.roomID, sessionID, err)
			return
		}
	}
	if err := txn.Commit(); err != nil {
		logf(log, "room %s: backup import commit failed: %v", r.roomID, err)
		return
	}
	if isBetter && r.notifyRoomKey != nil {
		r.notifyRoomKey(roomKey, eventIDs, log)
	}
}

// WriteRoomKeys imports room keys that arrived alongside a batch of events.
// A key that is now the best known version of its session clears that
// session's missing-key records; the returned function, called after the
// transaction commits, raises the room-key notification for the events the
// key unblocks. A bad key is logged and skipped so that it cannot fail the
// batch.
func (r *RoomEncryption) WriteRoomKeys(keys []*IncomingRoomKey, txn *store.WriteTxn, log *log.Logger) (func(), error) {
	type unblocked struct {
		key      *IncomingRoomKey
		eventIDs []string
	}
	var recovered []unblocked
	for _, key := range keys {
		isBetter, err := r.decryption.WriteRoomKey(key, txn)
		if err != nil {
			logf(log, "room %s: rejecting room key for session %s: %v", r.roomID, key.SessionID, err)
			continue
		}
		if !isBetter {
			continue
		}
		eventIDs, err := r.decryption.EventIDsForMissingKey(&txn.ReadTxn, r.roomID, key.SenderKey, key.SessionID)
		if err != nil {
			return nil, err
		}
		if len(eventIDs) == 0 {
			continue
		}
		if err := txn.MissingSessionEvents().Remove(r.roomID, key.SenderKey, key.SessionID); err != nil {
			return nil, err
		}
		recovered = append(recovered, unblocked{key, eventIDs})
	}
	notify := func() {
		if r.notifyRoomKey == nil {
			return
		}
		for _, u := range recovered {
			r.notifyRoomKey(u.key, u.eventIDs, log)
		}
	}
	return notify, nil
}

// VerifySenders resolves the sender device for every decrypted result, so
// callers can surface verification state. Devices are cached by sender key
// until the timeline closes.
func (r *RoomEncryption) VerifySenders(result *BatchDecryptionResult, txn *store.ReadTxn) error {
	for _, res := range result.Results {
		if err := r.verifyDecryptionResult(res, txn); err != nil {
			return err
		}
	}
	return nil
}

func (r *RoomEncryption) verifyDecryptionResult(res *DecryptionResult, txn *store.ReadTxn) error {
	r.senderMu.Lock()
	device, cached := r.senderDevices[res.SenderCurve25519Key]
	r.senderMu.Unlock()
	if cached {
		res.Device = device
		return nil
	}
	device, err := r.tracker.DeviceByCurve25519Key(res.SenderCurve25519Key, txn)
	if errors.Is(err, ErrRoomNotTracked) {
		res.RoomNotTracked = true
		return nil
	}
	if err != nil {
		return err
	}
	if device != nil {
		r.senderMu.Lock()
		r.senderDevices[res.SenderCurve25519Key] = device
		r.senderMu.Unlock()
	}
	res.Device = device
	return nil
}

// EnsureMessageKeyIsShared proactively creates and distributes the outbound
// session before the first message is sent, so recipients can decrypt it
// without a round-trip. Rate-limited; calls within the minimum interval are
// no-ops.
func (r *RoomEncryption) EnsureMessageKeyIsShared(ctx context.Context, hs HomeServer, log *log.Logger) error {
	r.preShareMu.Lock()
	now := r.now()
	if now.Sub(r.lastPreShare) < r.preShareInterval {
		r.preShareMu.Unlock()
		return nil
	}
	r.lastPreShare = now
	r.preShareMu.Unlock()

	txn, err := r.store.ReadWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	roomKey, err := r.encryption.EnsureOutboundSession(r.roomID, txn)
	if err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if roomKey == nil {
		return nil
	}
	return r.shareNewRoomKey(ctx, roomKey, hs, log)
}

// Encrypt ciphers one outgoing event. The caller gets the ciphertext
// immediately; if ciphering created or rotated the session, distribution of
// the new key runs detached, with the durable share operation persisted
// before any delivery is attempted.
func (r *RoomEncryption) Encrypt(ctx context.Context, eventType string, content json.RawMessage, hs HomeServer, log *log.Logger) (*EncryptedContent, error) {
	txn, err := r.store.ReadWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	encrypted, roomKey, err := r.encryption.Encrypt(r.roomID, eventType, content, txn)
	if err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	if roomKey != nil {
		r.detach(func(ctx context.Context) {
			if err := r.shareNewRoomKey(ctx, roomKey, hs, log); err != nil {
				logf(log, "room %s: sharing new room key failed: %v", r.roomID, err)
			}
		})
	}
	return encrypted, nil
}

// shareNewRoomKey distributes a newly created session key. Durability
// first: the operation is persisted and committed with the unresolved "all
// current members" target before any delivery attempt, so a crash at any
// later point leaves the share intent recoverable by
// FlushPendingRoomKeyShares on the next startup.
func (r *RoomEncryption) shareNewRoomKey(ctx context.Context, roomKey *RoomKeyMessage, hs HomeServer, log *log.Logger) error {
	op := newShareOperation(r.roomID, ShareWithAllMembers(), roomKey)
	rec, err := op.record()
	if err != nil {
		return err
	}
	txn, err := r.store.ReadWrite(ctx)
	if err != nil {
		return err
	}
	if err := txn.Operations().Add(rec); err != nil {
		txn.Abort()
		return fmt.Errorf("roomcrypto: persist share operation: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	return r.FlushPendingRoomKeyShares(ctx, hs, []*ShareOperation{op}, log)
}

// FlushPendingRoomKeyShares processes pending share operations serially.
// Only one flush runs at a time; a concurrent call is dropped, not queued, so
// callers must tolerate a silent no-op if a flush is already in flight. With
// a nil operation list, all of this room's pending share operations are
// loaded from storage, which is how shares interrupted by a crash get
// delivered on the next startup.
func (r *RoomEncryption) FlushPendingRoomKeyShares(ctx context.Context, hs HomeServer, ops []*ShareOperation, log *log.Logger) error {
	if r.disposed.Load() {
		return nil
	}
	if !r.flushing.CompareAndSwap(false, true) {
		logf(log, "room %s: key share flush already in flight, skipping", r.roomID)
		return nil
	}
	defer r.flushing.Store(false)

	if ops == nil {
		txn, err := r.store.Read(ctx)
		if err != nil {
			return err
		}
		records, err := txn.Operations().AllByTypeAndScope(OperationTypeShareRoomKey, r.roomID)
		txn.Close()
		if err != nil {
			return err
		}
		for _, rec := range records {
			op, err := shareOperationFromRecord(rec)
			if err != nil {
				logf(log, "room %s: skipping corrupt operation %s: %v", r.roomID, rec.ID, err)
				continue
			}
			ops = append(ops, op)
		}
	}

	for _, op := range ops {
		if r.disposed.Load() {
			return nil
		}
		if err := r.processShareRoomKeyOperation(ctx, op, hs, log); err != nil {
			// The operation stays in storage; a later flush retries it.
			logf(log, "room %s: share operation %s failed, will retry: %v", r.roomID, op.ID, err)
		}
	}
	return nil
}

// processShareRoomKeyOperation delivers one share operation end to end:
// resolve the target devices, olm-encrypt the room key per device, send,
// notify undeliverable devices with a withheld notice, then remove the
// operation. A withheld notice is the terminal outcome for a device without
// a usable olm channel, so the operation is removed even then.
func (r *RoomEncryption) processShareRoomKeyOperation(ctx context.Context, op *ShareOperation, hs HomeServer, log *log.Logger) error {
	var devices []Device
	var err error
	if op.Target.All() {
		if err := r.tracker.TrackRoom(ctx, r.roomID, log); err != nil {
			return err
		}
		devices, err = r.tracker.DevicesForTrackedRoom(ctx, r.roomID, hs, log)
		if err != nil {
			return err
		}
		// Narrow the durable intent to the resolved user set before any
		// message goes out, so a crash from here on retries a bounded set
		// instead of "everyone" again.
		op.Target = ShareWithUsers(userIDsOf(devices))
		if err := r.updateOperation(ctx, op); err != nil {
			return err
		}
	} else {
		devices, err = r.tracker.DevicesForRoomMembers(ctx, r.roomID, op.Target.Users(), hs, log)
		if err != nil {
			return err
		}
	}

	encrypted, missing, err := r.messenger.EncryptForDevices(ctx, devices, RoomKeyEventType, op.RoomKey, log)
	if err != nil {
		return err
	}
	if len(encrypted) > 0 {
		messages := map[string]map[string]any{}
		for _, m := range encrypted {
			perUser := messages[m.Device.UserID]
			if perUser == nil {
				perUser = map[string]any{}
				messages[m.Device.UserID] = perUser
			}
			perUser[m.Device.DeviceID] = m.Content
		}
		if err := hs.SendToDevice(ctx, EncryptedEventType, messages, uuid.NewString(), log); err != nil {
			return err
		}
		logf(log, "room %s: shared session %s with %d device(s)", r.roomID, op.RoomKey.SessionID, len(encrypted))
	}

	if len(missing) > 0 {
		// Narrow the operation to the owners of the devices we could not
		// reach, then tell those devices they will not get the key.
		op.Target = ShareWithUsers(userIDsOf(missing))
		if err := r.updateOperation(ctx, op); err != nil {
			return err
		}
		withheld := r.encryption.CreateWithheldMessage(op.RoomKey, WithheldCodeNoOlm, "no one-time key available")
		messages := map[string]map[string]any{}
		for _, d := range missing {
			perUser := messages[d.UserID]
			if perUser == nil {
				perUser = map[string]any{}
				messages[d.UserID] = perUser
			}
			perUser[d.DeviceID] = withheld
		}
		if err := hs.SendToDevice(ctx, WithheldEventType, messages, uuid.NewString(), log); err != nil {
			return err
		}
		logf(log, "room %s: sent withheld notice for session %s to %d device(s)", r.roomID, op.RoomKey.SessionID, len(missing))
	}

	txn, err := r.store.ReadWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.Operations().Remove(op.ID); err != nil {
		return err
	}
	return txn.Commit()
}

func (r *RoomEncryption) updateOperation(ctx context.Context, op *ShareOperation) error {
	rec, err := op.record()
	if err != nil {
		return err
	}
	txn, err := r.store.ReadWrite(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.Operations().Update(rec); err != nil {
		return err
	}
	return txn.Commit()
}

// userIDsOf returns the deduplicated owners of a device list.
func userIDsOf(devices []Device) []string {
	seen := map[string]bool{}
	userIDs := []string{}
	for _, d := range devices {
		if !seen[d.UserID] {
			seen[d.UserID] = true
			userIDs = append(userIDs, d.UserID)
		}
	}
	return userIDs
}

// logf logs a formatted message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
