// Package syncer batches outbound record sets through the relay and
// applies the message encryption policy before transmission. Pushes are
// idempotent from the caller's perspective: the relay deduplicates
// overlapping records and reports them as skipped.
package syncer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/syncflowapp/syncflow-go/internal/relay"
)

const (
	// Message records carry bodies and attachment refs, so their batches
	// are half the size of contact/call batches.
	messageBatchSize = 50
	recordBatchSize  = 100

	// mmsPrefix namespaces MMS ids before transmission. SMS and MMS ids
	// come from two independent local stores and collide otherwise.
	mmsPrefix = "mms_"
)

// relayAPI is the slice of the relay client the coordinator uses.
type relayAPI interface {
	PushMessages(ctx context.Context, batchID string, messages []relay.Message) (relay.SyncResult, error)
	PushContacts(ctx context.Context, contacts []relay.Contact) (relay.SyncResult, error)
	PushCalls(ctx context.Context, calls []relay.CallRecord) (relay.SyncResult, error)
	PushReadReceipts(ctx context.Context, receipts []relay.ReadReceipt) (relay.SyncResult, error)
	PullMessages(ctx context.Context, cursor string, limit int) (relay.MessagesPage, error)
	PullContacts(ctx context.Context, cursor string, limit int) (relay.ContactsPage, error)
	GroupKeys(ctx context.Context) (relay.GroupKeys, error)
}

// cryptoAPI is the slice of the crypto manager the coordinator uses.
type cryptoAPI interface {
	EnsureIdentity(passphrase, salt string) error
	PublicKey() string
	EncryptBody(body []byte) (ciphertext, nonce, dataKey []byte, err error)
	WrapKey(dataKey []byte, devices map[string]string) (map[string]string, error)
}

// Coordinator batches, deduplicates, and encrypts record sync.
type Coordinator struct {
	relay  relayAPI
	crypto cryptoAPI
	logger *slog.Logger

	e2eEnabled bool
	passphrase string
	keySalt    string
}

// NewCoordinator creates a sync coordinator. When e2eEnabled is false
// (or crypto is nil) message bodies are transmitted as-is.
func NewCoordinator(r relayAPI, c cryptoAPI, e2eEnabled bool, passphrase, keySalt string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		relay:      r,
		crypto:     c,
		logger:     logger,
		e2eEnabled: e2eEnabled && c != nil,
		passphrase: passphrase,
		keySalt:    keySalt,
	}
}

// PrepareEncryption derives or loads the device encryption identity up
// front so the first message push does not pay the scrypt cost.
func (c *Coordinator) PrepareEncryption() error {
	if !c.e2eEnabled {
		return nil
	}

	return c.crypto.EnsureIdentity(c.passphrase, c.keySalt)
}

// PublicKey returns the device public key in base64, or "" when
// encryption is disabled or the identity is not yet derived.
func (c *Coordinator) PublicKey() string {
	if !c.e2eEnabled {
		return ""
	}

	return c.crypto.PublicKey()
}

// PushMessages encrypts eligible message bodies, namespaces MMS ids, and
// pushes the records in batches of 50. Results accumulate across
// batches; Skipped reports relay-side dedup, which is not an error.
func (c *Coordinator) PushMessages(ctx context.Context, messages []relay.Message) (relay.SyncResult, error) {
	prepared := make([]relay.Message, len(messages))
	copy(prepared, messages)

	for i := range prepared {
		if prepared[i].MMS {
			prepared[i].ID = namespaceID(prepared[i].ID)
		}
	}

	if c.e2eEnabled {
		c.encryptBatch(ctx, prepared)
	}

	// One id per push; the relay uses it to correlate the chunks of a
	// single sync pass.
	batchID := uuid.NewString()

	var total relay.SyncResult
	for _, batch := range chunk(prepared, messageBatchSize) {
		res, err := c.relay.PushMessages(ctx, batchID, batch)
		if err != nil {
			return total, fmt.Errorf("pushing message batch: %w", err)
		}

		total.Synced += res.Synced
		total.Skipped += res.Skipped
		total.Total += res.Total
	}

	c.logger.Info("pushed messages",
		slog.String("batch_id", batchID),
		slog.Int("synced", total.Synced),
		slog.Int("skipped", total.Skipped),
		slog.Int("total", total.Total),
	)

	return total, nil
}

// PushContacts pushes contact records in batches of 100.
func (c *Coordinator) PushContacts(ctx context.Context, contacts []relay.Contact) (relay.SyncResult, error) {
	var total relay.SyncResult
	for _, batch := range chunk(contacts, recordBatchSize) {
		res, err := c.relay.PushContacts(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("pushing contact batch: %w", err)
		}

		total.Synced += res.Synced
		total.Skipped += res.Skipped
		total.Total += res.Total
	}

	return total, nil
}

// PushCalls pushes call-history records in batches of 100.
func (c *Coordinator) PushCalls(ctx context.Context, calls []relay.CallRecord) (relay.SyncResult, error) {
	var total relay.SyncResult
	for _, batch := range chunk(calls, recordBatchSize) {
		res, err := c.relay.PushCalls(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("pushing call batch: %w", err)
		}

		total.Synced += res.Synced
		total.Skipped += res.Skipped
		total.Total += res.Total
	}

	return total, nil
}

// PushReadReceipts pushes read receipts in batches of 100.
func (c *Coordinator) PushReadReceipts(ctx context.Context, receipts []relay.ReadReceipt) (relay.SyncResult, error) {
	var total relay.SyncResult
	for _, batch := range chunk(receipts, recordBatchSize) {
		res, err := c.relay.PushReadReceipts(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("pushing receipt batch: %w", err)
		}

		total.Synced += res.Synced
		total.Skipped += res.Skipped
		total.Total += res.Total
	}

	return total, nil
}

// PullMessages requests one page of inbound message records.
func (c *Coordinator) PullMessages(ctx context.Context, cursor string, limit int) (relay.MessagesPage, error) {
	return c.relay.PullMessages(ctx, cursor, limit)
}

// PullContacts requests one page of inbound contact records.
func (c *Coordinator) PullContacts(ctx context.Context, cursor string, limit int) (relay.ContactsPage, error) {
	return c.relay.PullContacts(ctx, cursor, limit)
}

// encryptBatch applies the encryption policy to every eligible message.
// The group keys are fetched once per push; if they are unavailable the
// whole batch falls back to plaintext (fail-open, never blocks sync).
func (c *Coordinator) encryptBatch(ctx context.Context, messages []relay.Message) {
	if err := c.crypto.EnsureIdentity(c.passphrase, c.keySalt); err != nil {
		c.logger.Warn("initializing encryption identity, sending plaintext",
			slog.String("error", err.Error()),
		)

		return
	}

	keys, err := c.relay.GroupKeys(ctx)
	if err != nil || len(keys.Devices) == 0 {
		if err != nil {
			c.logger.Warn("group keys unavailable, sending plaintext",
				slog.String("error", err.Error()),
			)
		}

		return
	}

	for i := range messages {
		c.encryptMessage(&messages[i], keys.Devices)
	}
}

// encryptMessage encrypts one message body in place. A record is either
// fully plaintext or fully wrapped; any failure along the way reverts to
// the original plaintext body.
func (c *Coordinator) encryptMessage(msg *relay.Message, devices map[string]string) {
	if msg.Body == "" {
		return
	}

	ciphertext, nonce, dataKey, err := c.crypto.EncryptBody([]byte(msg.Body))
	if err != nil {
		c.logger.Warn("encrypting message body, sending plaintext",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	keyMap, err := c.crypto.WrapKey(dataKey, devices)
	if err != nil {
		c.logger.Warn("wrapping data key, sending plaintext",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	// Both steps succeeded; only now replace the body.
	msg.Body = ""
	msg.Encrypted = &relay.EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		KeyMap:     keyMap,
	}
}

// namespaceID prefixes an MMS id, once.
func namespaceID(id string) string {
	if len(id) >= len(mmsPrefix) && id[:len(mmsPrefix)] == mmsPrefix {
		return id
	}

	return mmsPrefix + id
}

// chunk splits records into relay-sized batches. Within a batch the
// relay does not preserve record order; timestamps embedded in each
// record are the source of truth for ordering.
func chunk[T any](in []T, size int) [][]T {
	var out [][]T
	for len(in) > 0 {
		n := min(size, len(in))
		out = append(out, in[:n])
		in = in[n:]
	}

	return out
}
