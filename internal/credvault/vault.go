// Package credvault stores provider credentials encrypted at rest.
//
// Credentials never touch the relational store: each account's AuthInfo is
// sealed with XChaCha20-Poly1305 and kept in a bbolt bucket keyed by account
// id.
package credvault

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/meridianhq/calsync/internal/model"
)

var bucketCredentials = []byte("credentials")

// ErrNotFound is returned when no credential exists for an account.
var ErrNotFound = model.ErrNotFound

// Vault is the credential storage contract the account manager consumes.
type Vault interface {
	Store(accountID string, auth model.AuthInfo) error
	Retrieve(accountID string) (model.AuthInfo, error)
	Remove(accountID string) error
	Close() error
}

// BoltVault implements Vault on a bbolt file.
type BoltVault struct {
	db   *bolt.DB
	aead func() ([]byte, error) // returns the key; indirection keeps it off long-lived struct dumps
}

// Open opens (or creates) the vault file. keyHex must decode to 32 bytes.
func Open(path, keyHex string) (*BoltVault, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("vault key is not valid hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init vault bucket: %w", err)
	}
	return &BoltVault{db: db, aead: func() ([]byte, error) { return key, nil }}, nil
}

// Store seals and writes the credential for accountID, replacing any
// existing entry.
func (v *BoltVault) Store(accountID string, auth model.AuthInfo) error {
	plaintext, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	sealed, err := v.seal(plaintext, []byte(accountID))
	if err != nil {
		return err
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(accountID), sealed)
	})
}

// Retrieve opens and decodes the credential for accountID.
func (v *BoltVault) Retrieve(accountID string) (model.AuthInfo, error) {
	var sealed []byte
	err := v.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCredentials).Get([]byte(accountID))
		if raw == nil {
			return ErrNotFound
		}
		sealed = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return model.AuthInfo{}, err
	}

	plaintext, err := v.open(sealed, []byte(accountID))
	if err != nil {
		return model.AuthInfo{}, err
	}
	var auth model.AuthInfo
	if err := json.Unmarshal(plaintext, &auth); err != nil {
		return model.AuthInfo{}, fmt.Errorf("decode credential: %w", err)
	}
	return auth, nil
}

// Remove deletes the credential for accountID. Removing a missing entry is
// not an error.
func (v *BoltVault) Remove(accountID string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(accountID))
	})
}

// Close releases the underlying bolt file.
func (v *BoltVault) Close() error { return v.db.Close() }

// seal encrypts plaintext, binding it to the account id so a ciphertext
// copied onto another key cannot be opened.
func (v *BoltVault) seal(plaintext, additionalData []byte) ([]byte, error) {
	key, err := v.aead()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func (v *BoltVault) open(sealed, additionalData []byte) ([]byte, error) {
	key, err := v.aead()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed credential too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("open credential: %w", err)
	}
	return plaintext, nil
}

// GenerateKeyHex returns a fresh random vault key, hex encoded. Used by
// operator tooling during first-time setup.
func GenerateKeyHex() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
