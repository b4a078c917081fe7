// Package credentials provides encrypted at-rest storage for secrets
// the agent's commands may need, keyed by name. Plaintext only ever
// exists in memory, and callers are expected to register retrieved
// values with the output filter.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("credential not found")

// EnvSecretPrefix is the prefix for environment fallback lookups:
// a credential named "db_password" falls back to AEGIS_SECRET_DB_PASSWORD.
const EnvSecretPrefix = "AEGIS_SECRET_"

// Info is the public view of a stored credential, without the value.
type Info struct {
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store manages encrypted named secrets in SQLite.
type Store struct {
	db          *sql.DB
	mu          sync.RWMutex
	encKey      []byte
	envFallback bool
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithEnvFallback controls whether Get falls back to AEGIS_SECRET_*
// environment variables. Enabled by default for CI use.
func WithEnvFallback(enabled bool) StoreOption {
	return func(s *Store) {
		s.envFallback = enabled
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Open opens (creating if needed) a credential store at path.
// encryptionKey must be exactly KeySize bytes.
func Open(path string, encryptionKey []byte, opts ...StoreOption) (*Store, error) {
	if len(encryptionKey) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes for AES-256", KeySize)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init credential schema: %w", err)
	}

	s := &Store{
		db:          db,
		encKey:      encryptionKey,
		envFallback: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, cipherBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, cipherBytes, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Set stores or replaces a named secret.
func (s *Store) Set(ctx context.Context, name, value string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("credential name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := encrypt(s.encKey, value)
	if err != nil {
		return fmt.Errorf("encrypt credential %q: %w", name, err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (name, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		name, enc, now, now)
	return err
}

// Get retrieves and decrypts a named secret. Missing names fall back
// to the AEGIS_SECRET_* environment when enabled, then ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enc string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE name = ?`, name).Scan(&enc)
	if errors.Is(err, sql.ErrNoRows) {
		if s.envFallback {
			if v := os.Getenv(envVarFor(name)); v != "" {
				return v, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}

	value, err := decrypt(s.encKey, enc)
	if err != nil {
		return "", fmt.Errorf("decrypt credential %q: %w", name, err)
	}
	return value, nil
}

// Delete removes a named secret. Deleting a missing name is an error
// so operators learn about typos.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// List returns metadata for all stored secrets, never values.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, created_at, updated_at FROM credentials ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.Name, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// RotateKey re-encrypts every stored secret under newKey inside a
// single transaction, then switches the store to the new key. On any
// failure the transaction rolls back and the old key stays active.
func (s *Store) RotateKey(ctx context.Context, newKey []byte) error {
	if len(newKey) != KeySize {
		return fmt.Errorf("encryption key must be %d bytes for AES-256", KeySize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT name, value FROM credentials`)
	if err != nil {
		return err
	}
	type pair struct{ name, enc string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.name, &p.enc); err != nil {
			rows.Close()
			return err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	now := time.Now().UTC()
	for _, p := range pairs {
		plaintext, err := decrypt(s.encKey, p.enc)
		if err != nil {
			return fmt.Errorf("rotate %q: %w", p.name, err)
		}
		reenc, err := encrypt(newKey, plaintext)
		if err != nil {
			return fmt.Errorf("rotate %q: %w", p.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credentials SET value = ?, updated_at = ? WHERE name = ?`,
			reenc, now, p.name); err != nil {
			return fmt.Errorf("rotate %q: %w", p.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	s.encKey = newKey
	return nil
}

// envVarFor maps a credential name to its environment fallback.
func envVarFor(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(upper)
	return EnvSecretPrefix + upper
}
