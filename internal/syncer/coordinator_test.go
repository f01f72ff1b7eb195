package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncflowapp/syncflow-go/internal/relay"
)

// fakeRelay records pushed batches and scripts results. Message pushes
// model relay-side dedup: a record id seen before counts as skipped.
type fakeRelay struct {
	messageBatches [][]relay.Message
	batchIDs       []string
	seenMessages   map[string]bool
	contactBatches [][]relay.Contact
	callBatches    [][]relay.CallRecord
	receiptBatches [][]relay.ReadReceipt

	groupKeys    relay.GroupKeys
	groupKeysErr error
	pushErr      error
}

func (f *fakeRelay) PushMessages(_ context.Context, batchID string, messages []relay.Message) (relay.SyncResult, error) {
	if f.pushErr != nil {
		return relay.SyncResult{}, f.pushErr
	}
	if f.seenMessages == nil {
		f.seenMessages = make(map[string]bool)
	}

	f.batchIDs = append(f.batchIDs, batchID)
	f.messageBatches = append(f.messageBatches, messages)

	var res relay.SyncResult
	for _, msg := range messages {
		res.Total++
		if f.seenMessages[msg.ID] {
			res.Skipped++
			continue
		}
		f.seenMessages[msg.ID] = true
		res.Synced++
	}
	return res, nil
}

func (f *fakeRelay) PushContacts(_ context.Context, contacts []relay.Contact) (relay.SyncResult, error) {
	f.contactBatches = append(f.contactBatches, contacts)
	return relay.SyncResult{Synced: len(contacts), Total: len(contacts)}, nil
}

func (f *fakeRelay) PushCalls(_ context.Context, calls []relay.CallRecord) (relay.SyncResult, error) {
	f.callBatches = append(f.callBatches, calls)
	return relay.SyncResult{Synced: len(calls), Total: len(calls)}, nil
}

func (f *fakeRelay) PushReadReceipts(_ context.Context, receipts []relay.ReadReceipt) (relay.SyncResult, error) {
	f.receiptBatches = append(f.receiptBatches, receipts)
	return relay.SyncResult{Synced: len(receipts), Total: len(receipts)}, nil
}

func (f *fakeRelay) PullMessages(context.Context, string, int) (relay.MessagesPage, error) {
	return relay.MessagesPage{}, nil
}

func (f *fakeRelay) PullContacts(context.Context, string, int) (relay.ContactsPage, error) {
	return relay.ContactsPage{}, nil
}

func (f *fakeRelay) GroupKeys(context.Context) (relay.GroupKeys, error) {
	return f.groupKeys, f.groupKeysErr
}

// fakeCrypto encrypts trivially so tests can assert the policy without
// real key material.
type fakeCrypto struct {
	identityErr error
	wrapErr     error
}

func (f *fakeCrypto) EnsureIdentity(string, string) error { return f.identityErr }

func (f *fakeCrypto) PublicKey() string { return "fake-pub" }

func (f *fakeCrypto) EncryptBody(body []byte) ([]byte, []byte, []byte, error) {
	return append([]byte("enc:"), body...), []byte("nonce"), []byte("key"), nil
}

func (f *fakeCrypto) WrapKey(_ []byte, devices map[string]string) (map[string]string, error) {
	if f.wrapErr != nil {
		return nil, f.wrapErr
	}
	keyMap := make(map[string]string, len(devices))
	for label := range devices {
		keyMap[label] = "wrapped"
	}
	return keyMap, nil
}

func makeMessages(n int) []relay.Message {
	out := make([]relay.Message, n)
	for i := range out {
		out[i] = relay.Message{ID: fmt.Sprintf("m%d", i), Body: "body", Date: int64(i)}
	}
	return out
}

func TestPushMessages_BatchesOf50(t *testing.T) {
	r := &fakeRelay{}
	c := NewCoordinator(r, nil, false, "", "", slog.Default())

	res, err := c.PushMessages(context.Background(), makeMessages(120))
	require.NoError(t, err)

	require.Len(t, r.messageBatches, 3)
	assert.Len(t, r.messageBatches[0], 50)
	assert.Len(t, r.messageBatches[1], 50)
	assert.Len(t, r.messageBatches[2], 20)
	assert.Equal(t, 120, res.Synced)
	assert.Equal(t, 120, res.Total)
}

func TestPushMessages_RepushedRecordsSkippedNotError(t *testing.T) {
	r := &fakeRelay{}
	c := NewCoordinator(r, nil, false, "", "", slog.Default())

	first, err := c.PushMessages(context.Background(), makeMessages(120))
	require.NoError(t, err)
	assert.Equal(t, 120, first.Synced)
	assert.Equal(t, 0, first.Skipped)

	// Re-push 60 already-synced records alongside 10 new ones. The
	// overlap is deduplicated by the relay and reported as skipped,
	// accumulated across both chunks of the push.
	again := makeMessages(60)
	for i := range 10 {
		again = append(again, relay.Message{ID: fmt.Sprintf("new%d", i)})
	}

	res, err := c.PushMessages(context.Background(), again)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Synced)
	assert.Equal(t, 60, res.Skipped)
	assert.Equal(t, 70, res.Total)
}

func TestPushMessages_OneBatchIDPerPush(t *testing.T) {
	r := &fakeRelay{}
	c := NewCoordinator(r, nil, false, "", "", slog.Default())

	_, err := c.PushMessages(context.Background(), makeMessages(120))
	require.NoError(t, err)

	// All three chunks of one push carry the same id.
	require.Len(t, r.batchIDs, 3)
	assert.NotEmpty(t, r.batchIDs[0])
	assert.Equal(t, r.batchIDs[0], r.batchIDs[1])
	assert.Equal(t, r.batchIDs[0], r.batchIDs[2])

	_, err = c.PushMessages(context.Background(), makeMessages(1))
	require.NoError(t, err)
	require.Len(t, r.batchIDs, 4)
	assert.NotEqual(t, r.batchIDs[0], r.batchIDs[3])
}

func TestPushContacts_BatchesOf100(t *testing.T) {
	r := &fakeRelay{}
	c := NewCoordinator(r, nil, false, "", "", slog.Default())

	contacts := make([]relay.Contact, 120)
	for i := range contacts {
		contacts[i] = relay.Contact{ID: fmt.Sprintf("c%d", i)}
	}

	res, err := c.PushContacts(context.Background(), contacts)
	require.NoError(t, err)

	require.Len(t, r.contactBatches, 2)
	assert.Len(t, r.contactBatches[0], 100)
	assert.Len(t, r.contactBatches[1], 20)
	assert.Equal(t, 120, res.Synced)
}

func TestPushMessages_NamespacesMMSIDs(t *testing.T) {
	r := &fakeRelay{}
	c := NewCoordinator(r, nil, false, "", "", slog.Default())

	messages := []relay.Message{
		{ID: "17", MMS: false},
		{ID: "17", MMS: true},
		{ID: "mms_9", MMS: true},
	}

	_, err := c.PushMessages(context.Background(), messages)
	require.NoError(t, err)

	sent := r.messageBatches[0]
	assert.Equal(t, "17", sent[0].ID)
	assert.Equal(t, "mms_17", sent[1].ID)
	// Already-prefixed ids are not double-prefixed.
	assert.Equal(t, "mms_9", sent[2].ID)

	// The caller's slice is untouched.
	assert.Equal(t, "17", messages[1].ID)
}

func TestPushMessages_EncryptsWhenKeysAvailable(t *testing.T) {
	r := &fakeRelay{groupKeys: relay.GroupKeys{Devices: map[string]string{"phone": "pub"}}}
	c := NewCoordinator(r, &fakeCrypto{}, true, "pass", "salt", slog.Default())

	_, err := c.PushMessages(context.Background(), []relay.Message{{ID: "m1", Body: "secret"}})
	require.NoError(t, err)

	sent := r.messageBatches[0][0]
	assert.Empty(t, sent.Body)
	require.NotNil(t, sent.Encrypted)
	assert.NotEmpty(t, sent.Encrypted.Ciphertext)
	assert.Equal(t, map[string]string{"phone": "wrapped"}, sent.Encrypted.KeyMap)
}

func TestPushMessages_PlaintextWhenGroupKeysUnavailable(t *testing.T) {
	r := &fakeRelay{groupKeysErr: fmt.Errorf("relay down")}
	c := NewCoordinator(r, &fakeCrypto{}, true, "pass", "salt", slog.Default())

	_, err := c.PushMessages(context.Background(), []relay.Message{{ID: "m1", Body: "secret"}})
	require.NoError(t, err)

	// Encryption failure never blocks sync: the body ships as-is and no
	// partial encrypted payload is attached.
	sent := r.messageBatches[0][0]
	assert.Equal(t, "secret", sent.Body)
	assert.Nil(t, sent.Encrypted)
}

func TestPushMessages_PlaintextWhenWrapFails(t *testing.T) {
	r := &fakeRelay{groupKeys: relay.GroupKeys{Devices: map[string]string{"phone": "pub"}}}
	c := NewCoordinator(r, &fakeCrypto{wrapErr: fmt.Errorf("bad key")}, true, "pass", "salt", slog.Default())

	_, err := c.PushMessages(context.Background(), []relay.Message{{ID: "m1", Body: "secret"}})
	require.NoError(t, err)

	sent := r.messageBatches[0][0]
	assert.Equal(t, "secret", sent.Body)
	assert.Nil(t, sent.Encrypted)
}

func TestPushMessages_PlaintextWhenIdentityFails(t *testing.T) {
	r := &fakeRelay{groupKeys: relay.GroupKeys{Devices: map[string]string{"phone": "pub"}}}
	c := NewCoordinator(r, &fakeCrypto{identityErr: fmt.Errorf("no passphrase")}, true, "", "salt", slog.Default())

	_, err := c.PushMessages(context.Background(), []relay.Message{{ID: "m1", Body: "secret"}})
	require.NoError(t, err)

	sent := r.messageBatches[0][0]
	assert.Equal(t, "secret", sent.Body)
	assert.Nil(t, sent.Encrypted)
}

func TestPushMessages_EmptyBodySkipsEncryption(t *testing.T) {
	r := &fakeRelay{groupKeys: relay.GroupKeys{Devices: map[string]string{"phone": "pub"}}}
	c := NewCoordinator(r, &fakeCrypto{}, true, "pass", "salt", slog.Default())

	_, err := c.PushMessages(context.Background(), []relay.Message{{ID: "m1"}})
	require.NoError(t, err)

	assert.Nil(t, r.messageBatches[0][0].Encrypted)
}

func TestPushMessages_PushErrorStopsBatching(t *testing.T) {
	r := &fakeRelay{pushErr: fmt.Errorf("relay unavailable")}
	c := NewCoordinator(r, nil, false, "", "", slog.Default())

	_, err := c.PushMessages(context.Background(), makeMessages(10))
	assert.ErrorContains(t, err, "relay unavailable")
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk([]int{}, 3))

	batches := chunk([]int{1, 2, 3, 4, 5}, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{1, 2}, batches[0])
	assert.Equal(t, []int{5}, batches[2])
}
