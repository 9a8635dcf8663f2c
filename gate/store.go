package gate

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"authgate/gate/migrations"
)

// Credential keys persisted per visitor. The "auth." namespace holds the
// provider's in-flight transaction state; a logout wipes anything matching
// the session and auth markers so no provider-cache remnant survives even if
// individual key names evolve.
const (
	keySubject      = "session.subject"
	keyDisplayName  = "session.name"
	keyEmail        = "session.email"
	keyIDToken      = "session.id_token"
	keyAccessToken  = "session.access_token"
	keyRefreshToken = "session.refresh_token"
	keyIssuedAt     = "session.issued_at"
	keyLastSubject  = "login.last_subject"
	keyPendingPlan  = "plan.pending"

	txnKeyState    = "auth.txn.state"
	txnKeyNonce    = "auth.txn.nonce"
	txnKeyVerifier = "auth.txn.verifier"

	sessionMarker = "session."
	authMarker    = "auth."
)

// Store is the credential store: visitor-scoped key/value rows plus the
// entitlement, review, and tracking tables. Every write replaces a whole
// value; there are no read-modify-write cycles.
//
// When the backing database cannot be opened the store degrades to a no-op:
// reads report absence, writes do nothing, and callers fall back to the
// logged-out view.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (or creates) the SQLite database at path and applies
// pending migrations. On failure it logs and returns a disabled store rather
// than an error; a gate without storage still serves anonymous traffic.
func OpenStore(path string, logger *slog.Logger) *Store {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		logger.Warn("credential store unavailable", "path", path, "error", err)
		return &Store{logger: logger}
	}

	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		logger.Warn("credential store unavailable", "path", path, "error", err)
		_ = db.Close()
		return &Store{logger: logger}
	}

	s := &Store{db: db, logger: logger}
	if err := s.applyMigrations(); err != nil {
		logger.Warn("credential store migration failed", "path", path, "error", err)
		_ = db.Close()
		return &Store{logger: logger}
	}
	return s
}

func (s *Store) applyMigrations() error {
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return err
	}
	instance, err := migrate.NewWithInstance("iofs", src, "", driver)
	if err != nil {
		return err
	}
	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Enabled reports whether the backing database is usable.
func (s *Store) Enabled() bool { return s != nil && s.db != nil }

// Close releases the database handle.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// Put stores or replaces a single key for a visitor.
func (s *Store) Put(ctx context.Context, visitorID, key, value string) {
	if !s.Enabled() {
		return
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (visitor_id, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (visitor_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		visitorID, key, value)
	if err != nil {
		s.logger.Warn("credential put failed", "key", key, "error", err)
	}
}

// Get returns the value for key, or ok=false when absent (or storage is
// disabled).
func (s *Store) Get(ctx context.Context, visitorID, key string) (string, bool) {
	if !s.Enabled() {
		return "", false
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE visitor_id = ? AND key = ?`,
		visitorID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		s.logger.Warn("credential get failed", "key", key, "error", err)
		return "", false
	}
	return value, true
}

// Remove deletes a single key.
func (s *Store) Remove(ctx context.Context, visitorID, key string) {
	if !s.Enabled() {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE visitor_id = ? AND key = ?`,
		visitorID, key); err != nil {
		s.logger.Warn("credential remove failed", "key", key, "error", err)
	}
}

// ClearMatching deletes every key containing marker, case-insensitively.
// Substring matching guarantees provider-namespace remnants go away even if
// the exact key names change between provider SDK versions.
func (s *Store) ClearMatching(ctx context.Context, visitorID, marker string) {
	if !s.Enabled() {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE visitor_id = ? AND instr(lower(key), lower(?)) > 0`,
		visitorID, marker); err != nil {
		s.logger.Warn("credential clear failed", "marker", marker, "error", err)
	}
}

// ClearAll removes every credential for a visitor.
func (s *Store) ClearAll(ctx context.Context, visitorID string) {
	if !s.Enabled() {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE visitor_id = ?`, visitorID); err != nil {
		s.logger.Warn("credential clear failed", "error", err)
	}
}

// SavePendingPlan records a plan chosen before authentication completed.
func (s *Store) SavePendingPlan(ctx context.Context, visitorID string, plan Plan) {
	s.Put(ctx, visitorID, keyPendingPlan, string(plan))
}

// ConsumePendingPlan reads and deletes the pending plan selection in one
// transaction. A second call finds nothing.
func (s *Store) ConsumePendingPlan(ctx context.Context, visitorID string) (Plan, bool) {
	if !s.Enabled() {
		return "", false
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn("pending plan read failed", "error", err)
		return "", false
	}
	defer func() { _ = tx.Rollback() }()

	var value string
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE visitor_id = ? AND key = ?`,
		visitorID, keyPendingPlan).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		s.logger.Warn("pending plan read failed", "error", err)
		return "", false
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM credentials WHERE visitor_id = ? AND key = ?`,
		visitorID, keyPendingPlan); err != nil {
		s.logger.Warn("pending plan delete failed", "error", err)
		return "", false
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("pending plan consume failed", "error", err)
		return "", false
	}

	plan, err := ParsePlan(value)
	if err != nil {
		return "", false
	}
	return plan, true
}

// Entitlement returns the visitor's entitlement, zero when absent.
func (s *Store) Entitlement(ctx context.Context, visitorID string) Entitlement {
	if !s.Enabled() {
		return Entitlement{}
	}
	var (
		active      int
		plan        string
		activatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT active, plan, activated_at FROM entitlements WHERE visitor_id = ?`,
		visitorID).Scan(&active, &plan, &activatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entitlement{}
	}
	if err != nil {
		s.logger.Warn("entitlement read failed", "error", err)
		return Entitlement{}
	}
	ent := Entitlement{Active: active != 0, Plan: Plan(plan)}
	if activatedAt.Valid {
		ent.ActivatedAt = activatedAt.Time
	}
	return ent
}

// SetEntitlement stores or replaces the visitor's entitlement.
func (s *Store) SetEntitlement(ctx context.Context, visitorID string, ent Entitlement) {
	if !s.Enabled() {
		return
	}
	active := 0
	if ent.Active {
		active = 1
	}
	var activatedAt any
	if !ent.ActivatedAt.IsZero() {
		activatedAt = ent.ActivatedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (visitor_id, active, plan, activated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (visitor_id) DO UPDATE SET active = excluded.active, plan = excluded.plan, activated_at = excluded.activated_at`,
		visitorID, active, string(ent.Plan), activatedAt)
	if err != nil {
		s.logger.Warn("entitlement write failed", "error", err)
	}
}

// SaveReview persists a review submitted through the gate page.
func (s *Store) SaveReview(ctx context.Context, visitorID string, rating int, comment string) {
	if !s.Enabled() {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO reviews (id, visitor_id, rating, comment) VALUES (?, ?, ?, ?)`,
		NewVisitorID(), visitorID, rating, comment); err != nil {
		s.logger.Warn("review write failed", "error", err)
	}
}

// RecordEvent persists a click-tracking event.
func (s *Store) RecordEvent(ctx context.Context, visitorID, name, detail string) {
	if !s.Enabled() {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, visitor_id, name, detail) VALUES (?, ?, ?, ?)`,
		NewVisitorID(), visitorID, name, detail); err != nil {
		s.logger.Warn("event write failed", "error", err)
	}
}

// SessionKeyCount reports how many session or provider-cache keys remain for
// a visitor. Used by the logout coordinator to assert the clear took.
func (s *Store) SessionKeyCount(ctx context.Context, visitorID string) int {
	if !s.Enabled() {
		return 0
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM credentials WHERE visitor_id = ? AND (instr(lower(key), ?) > 0 OR instr(lower(key), ?) > 0)`,
		visitorID, sessionMarker, authMarker).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
