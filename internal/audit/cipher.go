package audit

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize         = 16
	pbkdf2Iterations = 100000
)

// queryCipher seals raw queries with XChaCha20-Poly1305. The record ID is
// bound as additional data so ciphertexts cannot be moved between rows.
type queryCipher struct {
	aead cipher.AEAD
}

// newQueryCipher accepts a 32-byte hex key or derives one from a
// passphrase with PBKDF2 and the database salt.
func newQueryCipher(ctx context.Context, db *sql.DB, key string) (*queryCipher, error) {
	raw, err := hex.DecodeString(key)
	if err != nil || len(raw) != chacha20poly1305.KeySize {
		salt, err := loadSalt(ctx, db)
		if err != nil {
			return nil, err
		}
		raw = pbkdf2.Key([]byte(key), salt, pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)
	}
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &queryCipher{aead: aead}, nil
}

func (c *queryCipher) seal(id, plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(id)), nil
}

func (c *queryCipher) open(id string, sealed []byte) (string, error) {
	if len(sealed) < c.aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, []byte(id))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func loadSalt(ctx context.Context, db *sql.DB) ([]byte, error) {
	var salt []byte
	err := db.QueryRowContext(ctx, `SELECT salt FROM audit_keys WHERE id = 1`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loading key salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating key salt: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO audit_keys (id, salt) VALUES (1, ?)`, salt); err != nil {
		return nil, fmt.Errorf("storing key salt: %w", err)
	}
	return salt, nil
}
