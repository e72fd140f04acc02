package credstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/seal"
)

const credentialBucket = "credentials"

// Bolt stores credentials in a BoltDB file, one key per profile.
type Bolt struct {
	db    *bbolt.DB
	codec codec
}

// OpenBolt opens (creating if needed) the BoltDB file at path. A nil sealer
// stores credentials as plain JSON.
func OpenBolt(path, profile string, sealer *seal.Sealer) (*Bolt, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(credentialBucket)); err != nil {
			return fmt.Errorf("create credential bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Bolt{db: db, codec: newCodec(profile, sealer)}, nil
}

// Close closes the underlying database.
func (s *Bolt) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save persists the credential for the store's profile.
func (s *Bolt) Save(ctx context.Context, tok domain.TokenResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := s.codec.encode(tok)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialBucket))
		if bucket == nil {
			return fmt.Errorf("credential bucket is missing")
		}
		return bucket.Put([]byte(s.codec.profile), payload)
	})
}

// Load fetches the credential for the store's profile.
func (s *Bolt) Load(ctx context.Context) (*domain.TokenResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var payload []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialBucket))
		if bucket == nil {
			return fmt.Errorf("credential bucket is missing")
		}
		// Bolt values are only valid inside the transaction.
		if v := bucket.Get([]byte(s.codec.profile)); v != nil {
			payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return s.codec.decode(payload)
}

// Clear deletes the credential for the store's profile.
func (s *Bolt) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialBucket))
		if bucket == nil {
			return fmt.Errorf("credential bucket is missing")
		}
		return bucket.Delete([]byte(s.codec.profile))
	})
}

// Profiles lists the profiles that have a stored credential.
func (s *Bolt) Profiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialBucket))
		if bucket == nil {
			return fmt.Errorf("credential bucket is missing")
		}
		return bucket.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}
