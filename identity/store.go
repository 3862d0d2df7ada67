// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tandem-foundation/tandem/lib/clock"
	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/lib/sealed"
	"github.com/tandem-foundation/tandem/lib/secret"
	"github.com/tandem-foundation/tandem/lib/sqlitepool"
)

// ErrIdentityUnavailable indicates the persistent identity store could
// not be reached or read. Fatal to the bootstrap sequence.
var ErrIdentityUnavailable = errors.New("identity: store unavailable")

// Instance is a resolved instance identity: the stable handle, the
// ed25519 keypair, and the creation timestamp. The private seed lives
// in protected memory; call Close when the identity is no longer
// needed.
type Instance struct {
	Handle    ref.Identity
	PublicKey ed25519.PublicKey
	CreatedAt time.Time

	seed *secret.Buffer
}

// Sign signs message with the instance's ed25519 private key.
func (i *Instance) Sign(message []byte) []byte {
	key := ed25519.NewKeyFromSeed(i.seed.Bytes())
	signature := ed25519.Sign(key, message)
	for index := range key {
		key[index] = 0
	}
	return signature
}

// Close releases the protected seed memory. Idempotent.
func (i *Instance) Close() error {
	if i.seed != nil {
		return i.seed.Close()
	}
	return nil
}

// Config holds the store's on-disk locations.
type Config struct {
	// DatabasePath is the instance SQLite database. The parent
	// directory must exist.
	DatabasePath string

	// KeyPath is the instance age key file. Created with mode 0600 on
	// first open; loaded on later opens. The identity seed in the
	// database is sealed to this key, so neither file alone yields
	// usable key material.
	KeyPath string

	// Logger receives store lifecycle messages. Nil means discard.
	Logger *slog.Logger

	// Clock supplies creation timestamps. Nil means the real clock.
	Clock clock.Clock
}

// Store persists instance identities. One Store per instance database;
// safe for concurrent use.
type Store struct {
	pool        *sqlitepool.Pool
	instanceKey *sealed.Keypair
	logger      *slog.Logger
	clock       clock.Clock
}

// Open opens (or initializes) the identity store.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}

	instanceKey, err := loadOrCreateInstanceKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.DatabasePath,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, `
				CREATE TABLE IF NOT EXISTS identities (
					handle      TEXT PRIMARY KEY,
					role        TEXT NOT NULL,
					public_key  BLOB NOT NULL,
					sealed_seed TEXT NOT NULL,
					created_at  INTEGER NOT NULL
				)`, nil)
		},
	})
	if err != nil {
		instanceKey.Close()
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	return &Store{pool: pool, instanceKey: instanceKey, logger: logger, clock: c}, nil
}

// Close releases the pool and the instance key.
func (s *Store) Close() error {
	keyErr := s.instanceKey.Close()
	poolErr := s.pool.Close()
	if poolErr != nil {
		return poolErr
	}
	return keyErr
}

// Pool exposes the store's connection pool so co-located state (the
// settings tree) can share the instance database.
func (s *Store) Pool() *sqlitepool.Pool {
	return s.pool
}

// Resolve returns the instance identity for owner/role, creating it on
// first use. Repeated calls return bit-identical handle and keys.
func (s *Store) Resolve(ctx context.Context, owner ref.Owner, role ref.Role) (*Instance, error) {
	handle, err := ref.NewIdentity(owner, role)
	if err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	defer s.pool.Put(conn)

	existing, err := s.load(conn, handle)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Debug("identity loaded", "handle", handle, "created_at", existing.CreatedAt)
		return existing, nil
	}

	created, err := s.create(conn, handle)
	if err != nil {
		return nil, err
	}
	s.logger.Info("identity created", "handle", handle, "role", role)
	return created, nil
}

// load reads an existing identity row. Returns nil without error
// when the handle has no row yet.
func (s *Store) load(conn *sqlite.Conn, handle ref.Identity) (*Instance, error) {
	var found bool
	var publicKey []byte
	var sealedSeed string
	var createdAt int64

	err := sqlitex.Execute(conn,
		"SELECT public_key, sealed_seed, created_at FROM identities WHERE handle = ?",
		&sqlitex.ExecOptions{
			Args: []any{handle.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				publicKey = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, publicKey)
				sealedSeed = stmt.ColumnText(1)
				createdAt = stmt.ColumnInt64(2)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("%w: reading identity %s: %v", ErrIdentityUnavailable, handle, err)
	}
	if !found {
		return nil, nil
	}

	seed, err := sealed.Unseal(sealedSeed, s.instanceKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unsealing seed for %s: %w", handle, err)
	}

	// The stored public key must match the seed. A mismatch means the
	// database and key file are from different instances; refuse to
	// operate rather than regenerate.
	derived := ed25519.NewKeyFromSeed(seed.Bytes()).Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, publicKey) {
		seed.Close()
		return nil, fmt.Errorf("identity %s: stored public key does not match sealed seed", handle)
	}

	return &Instance{
		Handle:    handle,
		PublicKey: publicKey,
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		seed:      seed,
	}, nil
}

// create generates, seals and persists a fresh identity.
func (s *Store) create(conn *sqlite.Conn, handle ref.Identity) (*Instance, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity keypair: %w", err)
	}

	seedBytes := privateKey.Seed()
	sealedSeed, err := sealed.Seal(append([]byte(nil), seedBytes...), s.instanceKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("sealing identity seed: %w", err)
	}
	seed, err := secret.NewFromBytes(seedBytes)
	if err != nil {
		return nil, fmt.Errorf("protecting identity seed: %w", err)
	}

	createdAt := s.clock.Now().UTC()
	err = sqlitex.Execute(conn,
		"INSERT INTO identities (handle, role, public_key, sealed_seed, created_at) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{handle.String(), string(handle.Role()), []byte(publicKey), sealedSeed, createdAt.Unix()},
		})
	if err != nil {
		seed.Close()
		return nil, fmt.Errorf("%w: persisting identity %s: %v", ErrIdentityUnavailable, handle, err)
	}

	return &Instance{
		Handle:    handle,
		PublicKey: publicKey,
		CreatedAt: createdAt,
		seed:      seed,
	}, nil
}

// loadOrCreateInstanceKey loads the instance age key from path, or
// generates and writes one with mode 0600 on first boot.
func loadOrCreateInstanceKey(path string) (*sealed.Keypair, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		buffer, bufferErr := secret.NewFromBytes(bytes.TrimSpace(data))
		if bufferErr != nil {
			return nil, fmt.Errorf("protecting instance key: %w", bufferErr)
		}
		keypair, parseErr := sealed.KeypairFromPrivate(buffer)
		if parseErr != nil {
			buffer.Close()
			return nil, fmt.Errorf("instance key file %s: %w", path, parseErr)
		}
		return keypair, nil

	case os.IsNotExist(err):
		keypair, generateErr := sealed.GenerateKeypair()
		if generateErr != nil {
			return nil, generateErr
		}
		if writeErr := os.WriteFile(path, append(keypair.PrivateKey.Bytes(), '\n'), 0600); writeErr != nil {
			keypair.Close()
			return nil, fmt.Errorf("writing instance key file: %w", writeErr)
		}
		return keypair, nil

	default:
		return nil, fmt.Errorf("reading instance key file %s: %w", path, err)
	}
}
