package hsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"

	"github.com/tinfoilchat/matrix-go/internal/backupcrypto"
	"github.com/tinfoilchat/matrix-go/internal/roomcrypto"
)

// BackupClient fetches and decrypts sessions from the remote key backup. It
// implements the SessionBackup contract the room orchestrator consumes.
type BackupClient struct {
	client     *Client
	version    string
	privateKey []byte
}

// NewBackupClient creates a backup client for one backup version.
// privateKey is the backup's 32-byte curve25519 decryption key.
func NewBackupClient(client *Client, version string, privateKey []byte) (*BackupClient, error) {
	if _, err := backupcrypto.PublicKey(privateKey); err != nil {
		return nil, err
	}
	return &BackupClient{client: client, version: version, privateKey: privateKey}, nil
}

// keyBackupData is one session's entry as the server returns it.
type keyBackupData struct {
	FirstMessageIndex uint32           `json:"first_message_index"`
	ForwardedCount    int              `json:"forwarded_count"`
	IsVerified        bool             `json:"is_verified"`
	SessionData       *json.RawMessage `json:"session_data"`
}

// GetSession calls GET /_matrix/client/v3/room_keys/keys/{roomId}/{sessionId}
// and decrypts the envelope. A 404 with errcode M_NOT_FOUND maps to
// ErrSessionNotFound; everything else is an error.
func (b *BackupClient) GetSession(ctx context.Context, roomID, sessionID string, logger *log.Logger) (*roomcrypto.BackupSessionRecord, error) {
	u := b.client.baseURL + "/_matrix/client/v3/room_keys/keys/" +
		url.PathEscape(roomID) + "/" + url.PathEscape(sessionID) +
		"?version=" + url.QueryEscape(b.version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("hsapi: new request: %w", err)
	}

	resp, err := b.client.do(req)
	if err != nil {
		return nil, fmt.Errorf("hsapi: fetch backup session: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hsapi: read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.ErrCode == "M_NOT_FOUND" {
			return nil, roomcrypto.ErrSessionNotFound
		}
		return nil, fmt.Errorf("hsapi: fetch backup session: status 404: %s", respBody)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hsapi: fetch backup session: status %d: %s", resp.StatusCode, respBody)
	}

	var data keyBackupData
	if err := json.Unmarshal(respBody, &data); err != nil {
		return nil, fmt.Errorf("hsapi: unmarshal backup entry: %w", err)
	}
	if data.SessionData == nil {
		return nil, fmt.Errorf("hsapi: backup entry for %s has no session data", sessionID)
	}
	env := &backupcrypto.Envelope{}
	if err := json.Unmarshal(*data.SessionData, env); err != nil {
		return nil, fmt.Errorf("hsapi: unmarshal backup envelope: %w", err)
	}
	plaintext, err := backupcrypto.Decrypt(b.privateKey, env)
	if err != nil {
		return nil, fmt.Errorf("hsapi: decrypt backup envelope for %s: %w", sessionID, err)
	}
	rec := &roomcrypto.BackupSessionRecord{}
	if err := json.Unmarshal(plaintext, rec); err != nil {
		return nil, fmt.Errorf("hsapi: unmarshal backup session record: %w", err)
	}
	logf(logger, "fetched session %s from backup version %s", sessionID, b.version)
	return rec, nil
}
