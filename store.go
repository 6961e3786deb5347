package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// CredentialRecord is one persisted document in the client identifier's
// namespace. Payload is produced by the automation layer and never
// inspected here.
type CredentialRecord struct {
	ClientID  string    `db:"client_id" json:"clientId"`
	Key       string    `db:"record_key" json:"key"`
	Payload   []byte    `db:"payload" json:"payload"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Snapshot is the denormalized copy of a whole namespace kept in the
// well-known backup slot.
type Snapshot struct {
	Slot    string             `json:"slot"`
	Records []CredentialRecord `json:"records"`
	SavedAt time.Time          `json:"savedAt"`
}

// CredentialStore is the persistence collaborator for session credentials.
// Presence checking is an explicit operation so the controller never has to
// infer it by counting rows, and so tests can fake it.
type CredentialStore interface {
	HasCredential(ctx context.Context, clientID string) (bool, error)
	GetCredential(ctx context.Context, clientID string) (*CredentialRecord, error)
	PutCredentials(ctx context.Context, records []CredentialRecord) error
	ListNamespace(ctx context.Context, clientID string) ([]CredentialRecord, error)
	CountRecords(ctx context.Context, clientID string) (int, error)
	ReadSnapshot(ctx context.Context, slot string) (*Snapshot, error)
	WriteSnapshot(ctx context.Context, snap *Snapshot) error
	Close() error
}

var errNoCredential = errors.New("no credential record")

type sqlStore struct {
	db     *sqlx.DB
	driver string
}

// resolveDatabase maps the configured connection string onto a registered
// sql driver. Anything that is not a postgres URL is treated as a sqlite
// file DSN, which is the fallback used on hosts without a real database.
func resolveDatabase(dburl string) (driver string, dsn string) {
	if strings.HasPrefix(dburl, "postgres://") || strings.HasPrefix(dburl, "postgresql://") {
		return "postgres", dburl
	}
	dsn = dburl
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(3000)"
	}
	return "sqlite", dsn
}

func openCredentialStore(ctx context.Context, dburl string) (*sqlStore, error) {
	driver, dsn := resolveDatabase(dburl)
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	s := &sqlStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("driver", driver).Msg("Credential store ready")
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	payloadType := "BLOB"
	if s.driver == "postgres" {
		payloadType = "BYTEA"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS credentials (
			client_id TEXT NOT NULL,
			record_key TEXT NOT NULL,
			payload %s NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (client_id, record_key)
		)`, payloadType),
		`CREATE TABLE IF NOT EXISTS snapshots (
			slot TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			saved_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) HasCredential(ctx context.Context, clientID string) (bool, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM credentials WHERE client_id=? AND record_key=?`)
	if err := s.db.GetContext(ctx, &n, q, clientID, credentialRecordKey); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) GetCredential(ctx context.Context, clientID string) (*CredentialRecord, error) {
	var rec CredentialRecord
	q := s.db.Rebind(`SELECT client_id, record_key, payload, updated_at FROM credentials WHERE client_id=? AND record_key=?`)
	err := s.db.GetContext(ctx, &rec, q, clientID, credentialRecordKey)
	if err == sql.ErrNoRows {
		return nil, errNoCredential
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutCredentials upserts by (client_id, record_key); writing the same set
// twice leaves the namespace unchanged.
func (s *sqlStore) PutCredentials(ctx context.Context, records []CredentialRecord) error {
	if len(records) == 0 {
		return nil
	}
	q := s.db.Rebind(`INSERT INTO credentials (client_id, record_key, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (client_id, record_key) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, q, rec.ClientID, rec.Key, rec.Payload, rec.UpdatedAt); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ListNamespace(ctx context.Context, clientID string) ([]CredentialRecord, error) {
	var recs []CredentialRecord
	q := s.db.Rebind(`SELECT client_id, record_key, payload, updated_at FROM credentials WHERE client_id=? ORDER BY record_key`)
	if err := s.db.SelectContext(ctx, &recs, q, clientID); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *sqlStore) CountRecords(ctx context.Context, clientID string) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM credentials WHERE client_id=?`)
	if err := s.db.GetContext(ctx, &n, q, clientID); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlStore) ReadSnapshot(ctx context.Context, slot string) (*Snapshot, error) {
	var doc string
	q := s.db.Rebind(`SELECT document FROM snapshots WHERE slot=?`)
	err := s.db.GetContext(ctx, &doc, q, slot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// WriteSnapshot overwrites the slot; only the latest snapshot is retained.
func (s *sqlStore) WriteSnapshot(ctx context.Context, snap *Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`INSERT INTO snapshots (slot, document, saved_at) VALUES (?, ?, ?)
		ON CONFLICT (slot) DO UPDATE SET document=excluded.document, saved_at=excluded.saved_at`)
	_, err = s.db.ExecContext(ctx, q, snap.Slot, string(doc), snap.SavedAt)
	return err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
