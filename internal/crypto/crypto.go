// Package crypto implements end-to-end message encryption. Each message
// body is sealed with a fresh random AES-256-GCM data key; the data key
// is then wrapped per recipient device with an anonymous NaCl box under
// that device's X25519 public key. The local identity keypair is derived
// deterministically from the account passphrase so re-installing on the
// same account recovers the same keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/syncflowapp/syncflow-go/internal/store"
)

const (
	// scrypt parameters for identity seed derivation.
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptSeed   = 32
	dataKeyBytes = 32
)

// identityStore is the subset of the store the manager needs.
type identityStore interface {
	Identity() (pub, priv []byte, err error)
	SetIdentity(pub, priv []byte) error
}

// Manager holds the local identity and performs all message crypto.
// Safe for concurrent use; overlapping pushes share one identity load.
type Manager struct {
	st identityStore

	mu   sync.Mutex
	pub  *[32]byte
	priv *[32]byte
}

// NewManager creates a crypto manager backed by the given identity store.
func NewManager(st *store.Store) *Manager {
	return &Manager{st: st}
}

// newManagerWith allows tests to inject a fake store.
func newManagerWith(st identityStore) *Manager {
	return &Manager{st: st}
}

// EnsureIdentity loads the persisted keypair or derives a new one from
// the passphrase and salt. Idempotent: calling it again is a no-op once
// the identity is loaded.
func (m *Manager) EnsureIdentity(passphrase, salt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pub != nil && m.priv != nil {
		return nil
	}

	pub, priv, err := m.st.Identity()
	if err != nil {
		return err
	}

	if len(pub) == 32 && len(priv) == 32 {
		m.pub, m.priv = new([32]byte), new([32]byte)
		copy(m.pub[:], pub)
		copy(m.priv[:], priv)

		return nil
	}

	seed, err := deriveSeed(passphrase, salt)
	if err != nil {
		return err
	}

	priv32 := new([32]byte)
	copy(priv32[:], seed)
	zero(seed)

	pubBytes, err := curve25519.X25519(priv32[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("deriving public key: %w", err)
	}

	pub32 := new([32]byte)
	copy(pub32[:], pubBytes)

	if err := m.st.SetIdentity(pub32[:], priv32[:]); err != nil {
		return fmt.Errorf("persisting identity: %w", err)
	}

	m.pub, m.priv = pub32, priv32

	return nil
}

// deriveSeed derives the 32-byte private key seed from passphrase and
// salt using scrypt. Both inputs are normalized to NFKC first so the
// same passphrase typed on different platforms derives the same key.
func deriveSeed(passphrase, salt string) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)
	salt = norm.NFKC.String(salt)

	seed, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, scryptSeed)
	if err != nil {
		return nil, fmt.Errorf("deriving identity seed: %w", err)
	}

	return seed, nil
}

// PublicKey returns the base64 public key of the local identity, or
// empty string when no identity is loaded.
func (m *Manager) PublicKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pub == nil {
		return ""
	}

	return base64.StdEncoding.EncodeToString(m.pub[:])
}

// EncryptBody seals a message body with a fresh random data key.
// Returns the ciphertext, nonce, and raw data key; the caller wraps the
// key per recipient and discards it.
func (m *Manager) EncryptBody(body []byte) (ciphertext, nonce, dataKey []byte, err error) {
	dataKey = make([]byte, dataKeyBytes)
	if _, err = rand.Read(dataKey); err != nil {
		return nil, nil, nil, fmt.Errorf("generating data key: %w", err)
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, body, nil)

	return ciphertext, nonce, dataKey, nil
}

// WrapKey wraps the data key for every device in the group. All-or-
// nothing: a single failed wrap fails the whole map so a record can
// never ship with a partial keyMap.
func (m *Manager) WrapKey(dataKey []byte, devices map[string]string) (map[string]string, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("no recipient devices")
	}

	keyMap := make(map[string]string, len(devices))

	for label, pubB64 := range devices {
		pubBytes, err := base64.StdEncoding.DecodeString(pubB64)
		if err != nil || len(pubBytes) != 32 {
			return nil, fmt.Errorf("invalid public key for device %s", label)
		}

		pub := new([32]byte)
		copy(pub[:], pubBytes)

		wrapped, err := box.SealAnonymous(nil, dataKey, pub, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("wrapping key for device %s: %w", label, err)
		}

		keyMap[label] = base64.StdEncoding.EncodeToString(wrapped)
	}

	return keyMap, nil
}

// UnwrapKey opens this device's wrapped copy of a data key.
func (m *Manager) UnwrapKey(wrappedB64 string) ([]byte, error) {
	m.mu.Lock()
	pub, priv := m.pub, m.priv
	m.mu.Unlock()

	if pub == nil || priv == nil {
		return nil, fmt.Errorf("no local identity")
	}

	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}

	dataKey, ok := box.OpenAnonymous(nil, wrapped, pub, priv)
	if !ok {
		return nil, fmt.Errorf("unwrapping data key failed")
	}

	return dataKey, nil
}

// DecryptBody opens a message body with an unwrapped data key.
func (m *Manager) DecryptBody(ciphertext, nonce, dataKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting body: %w", err)
	}

	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
