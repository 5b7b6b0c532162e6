package roomcrypto

import "fmt"

// Decryption error codes. Per-event failures are carried as data alongside
// successes; they never abort a batch.
const (
	// CodeUnknownAlgorithm marks an event using an algorithm this core does
	// not implement.
	CodeUnknownAlgorithm = "UNKNOWN_ALGORITHM"
	// CodeBadEncryptedContent marks an event whose encrypted content does not
	// parse or lacks required fields.
	CodeBadEncryptedContent = "BAD_ENCRYPTED_CONTENT"
	// CodeNoSession marks an event whose session is unknown, or known only
	// from a later chain index. Triggers missing-key bookkeeping and backup
	// recovery.
	CodeNoSession = "MEGOLM_NO_SESSION"
	// CodeDecryptionFailed marks a message that failed signature or AEAD
	// verification.
	CodeDecryptionFailed = "MEGOLM_DECRYPTION_FAILED"
	// CodeWrongRoom marks a message whose inner payload names a different
	// room than the one it was received in.
	CodeWrongRoom = "MEGOLM_WRONG_ROOM"
	// CodeReplayedMessage marks a second event claiming a (session, index)
	// pair already used by a different event.
	CodeReplayedMessage = "MEGOLM_REPLAYED_MESSAGE"
)

// DecryptError is a per-event decryption failure.
type DecryptError struct {
	Code      string
	EventID   string
	SenderKey string
	SessionID string
	Err       error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (event %s): %v", e.Code, e.EventID, e.Err)
	}
	return fmt.Sprintf("%s (event %s)", e.Code, e.EventID)
}

func (e *DecryptError) Unwrap() error { return e.Err }
