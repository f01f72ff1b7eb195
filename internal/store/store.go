// Package store persists all durable client state in a single bbolt
// database: the active session, attachment transfer bookkeeping, the
// processed call-command set, and the realtime subscription set. Sync
// records themselves are never stored locally; the relay is authoritative
// and everything except credentials is re-fetchable.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.syncflow/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	sessionBucket   = []byte("session")
	transfersBucket = []byte("transfers")
	commandsBucket  = []byte("commands")
	identityBucket  = []byte("identity")

	sessionKey       = []byte("session")
	subscriptionsKey = []byte("subscriptions")
	identityPubKey   = []byte("public")
	identityPrivKey  = []byte("private")
)

// Session holds the credentials for the one active relay session.
type Session struct {
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// TransferStatus is the lifecycle state of an attachment upload.
// Statuses only ever advance; a transfer never moves backwards.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferUploading TransferStatus = "uploading"
	TransferUploaded  TransferStatus = "uploaded"
	TransferFailed    TransferStatus = "failed"
)

// FileTransfer tracks one attachment upload across retries and restarts.
type FileTransfer struct {
	ID          string         `json:"id"`
	FileKey     string         `json:"file_key"`
	FileName    string         `json:"file_name"`
	Size        int64          `json:"size"`
	ContentType string         `json:"content_type"`
	Status      TransferStatus `json:"status"`
	Source      string         `json:"source"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Store wraps a bbolt database for all persistent client state.
type Store struct {
	db *bolt.DB
}

// Open opens the state database at ~/.syncflow/state.db, creating it
// if it does not exist.
func Open() (*Store, error) {
	return OpenAt(dbPath())
}

// OpenAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{appBucket, sessionBucket, transfersBucket, commandsBucket, identityBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

func dbPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".syncflow", "state.db")
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session returns the persisted session, or nil if none exists.
func (s *Store) Session() (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		sess = &Session{}

		return json.Unmarshal(v, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	return sess, nil
}

// SetSession persists the session created by a successful authentication.
func (s *Store) SetSession(sess Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionBucket).Put(sessionKey, data)
	})
}

// UpdateAccessToken replaces only the access token of the stored session.
// Fails when no session exists; refreshing without a session is a
// programming error, not a state to paper over.
func (s *Store) UpdateAccessToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		v := b.Get(sessionKey)
		if v == nil {
			return fmt.Errorf("no session to update")
		}

		var sess Session
		if err := json.Unmarshal(v, &sess); err != nil {
			return err
		}

		sess.AccessToken = token

		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return b.Put(sessionKey, data)
	})
}

// ClearSession wipes the session and the local encryption identity.
// Called on logout and on remote device removal.
func (s *Store) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionBucket).Delete(sessionKey); err != nil {
			return err
		}

		b := tx.Bucket(identityBucket)
		if err := b.Delete(identityPubKey); err != nil {
			return err
		}

		return b.Delete(identityPrivKey)
	})
}

// SetTransfer persists the state of an attachment transfer.
func (s *Store) SetTransfer(ft FileTransfer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ft.UpdatedAt = time.Now().UnixMilli()

		data, err := json.Marshal(ft)
		if err != nil {
			return err
		}

		return tx.Bucket(transfersBucket).Put([]byte(ft.ID), data)
	})
}

// Transfer returns the transfer with the given id, or nil if not found.
func (s *Store) Transfer(id string) (*FileTransfer, error) {
	var ft *FileTransfer

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transfersBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		ft = &FileTransfer{}

		return json.Unmarshal(v, ft)
	})
	if err != nil {
		return nil, fmt.Errorf("loading transfer %s: %w", id, err)
	}

	return ft, nil
}

// TransfersByStatus returns all transfers currently in the given status.
// The attachment pipeline uses this on startup to resume failed uploads.
func (s *Store) TransfersByStatus(status TransferStatus) ([]FileTransfer, error) {
	var out []FileTransfer

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(_, v []byte) error {
			var ft FileTransfer
			if err := json.Unmarshal(v, &ft); err != nil {
				return err
			}

			if ft.Status == status {
				out = append(out, ft)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scanning transfers: %w", err)
	}

	return out, nil
}

// MarkCommandProcessed records that a call command has been consumed.
// Returns true if this call was the first to mark it, false when the
// command was already processed. The relay delivers commands at least
// once; this set is what makes consumption exactly-once.
func (s *Store) MarkCommandProcessed(id string) (bool, error) {
	first := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(commandsBucket)

		if b.Get([]byte(id)) != nil {
			return nil
		}

		first = true

		ts := fmt.Sprintf("%d", time.Now().UnixMilli())

		return b.Put([]byte(id), []byte(ts))
	})
	if err != nil {
		return false, fmt.Errorf("marking command %s processed: %w", id, err)
	}

	return first, nil
}

// IsCommandProcessed reports whether a call command id has been consumed.
func (s *Store) IsCommandProcessed(id string) (bool, error) {
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(commandsBucket).Get([]byte(id)) != nil

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking command %s: %w", id, err)
	}

	return found, nil
}

// Subscriptions returns the persisted realtime channel subscription set.
func (s *Store) Subscriptions() ([]string, error) {
	var subs []string

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(subscriptionsKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &subs)
	})
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}

	return subs, nil
}

// SetSubscriptions persists the realtime channel subscription set.
func (s *Store) SetSubscriptions(subs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(subs)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(subscriptionsKey, data)
	})
}

// Identity returns the locally stored encryption keypair, or nils when
// no identity has been generated yet.
func (s *Store) Identity() (pub, priv []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(identityBucket)

		if v := b.Get(identityPubKey); v != nil {
			pub = append([]byte(nil), v...)
		}

		if v := b.Get(identityPrivKey); v != nil {
			priv = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("loading identity: %w", err)
	}

	return pub, priv, nil
}

// SetIdentity persists the local encryption keypair.
func (s *Store) SetIdentity(pub, priv []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(identityBucket)

		if err := b.Put(identityPubKey, pub); err != nil {
			return err
		}

		return b.Put(identityPrivKey, priv)
	})
}
