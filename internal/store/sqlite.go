package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection keeps ":memory:" databases coherent and serializes
	// writers without relying on busy timeouts.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS client_secret (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			entropy BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			federation_id TEXT NOT NULL,
			invite_code TEXT NOT NULL,
			network TEXT NOT NULL,
			joined_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS operations (
			id BLOB PRIMARY KEY,
			module_kind TEXT NOT NULL,
			variant TEXT NOT NULL,
			internal INTEGER NOT NULL DEFAULT 0,
			payment_hash BLOB NOT NULL,
			invoice TEXT NOT NULL,
			amount_msat INTEGER NOT NULL,
			gateway_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS operation_updates (
			op_id BLOB NOT NULL REFERENCES operations(id),
			seq INTEGER NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			preimage TEXT NOT NULL DEFAULT '',
			fee_msat INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (op_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operation_updates_state ON operation_updates (state)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) LoadClientSecret(ctx context.Context) ([]byte, error) {
	var entropy []byte
	err := s.db.QueryRowContext(ctx, `SELECT entropy FROM client_secret WHERE id = 1`).Scan(&entropy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entropy, nil
}

func (s *SQLiteStore) SaveClientSecret(ctx context.Context, entropy []byte) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO client_secret (id, entropy, created_at) VALUES (1, ?, ?)
	`, entropy, time.Now().UTC())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLiteStore) LoadSessionConfig(ctx context.Context) (*SessionConfig, error) {
	var cfg SessionConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT federation_id, invite_code, network, joined_at FROM session_config WHERE id = 1
	`).Scan(&cfg.FederationID, &cfg.InviteCode, &cfg.Network, &cfg.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *SQLiteStore) SaveSessionConfig(ctx context.Context, cfg *SessionConfig) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_config (id, federation_id, invite_code, network, joined_at)
		VALUES (1, ?, ?, ?, ?)
	`, cfg.FederationID, cfg.InviteCode, cfg.Network, cfg.JoinedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Amounts are stored as INTEGER; go-sqlite3 rejects uint64 values with the
// high bit set, which no msat amount reaches.
func (s *SQLiteStore) InsertOperation(ctx context.Context, op *OperationRecord) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO operations
			(id, module_kind, variant, internal, payment_hash, invoice, amount_msat, gateway_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID[:], op.ModuleKind, op.Variant, op.Internal, op.PaymentHash[:], op.Invoice,
		int64(op.AmountMsat), op.GatewayID, op.CreatedAt)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

const operationColumns = `id, module_kind, variant, internal, payment_hash, invoice, amount_msat, gateway_id, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*OperationRecord, error) {
	var (
		op       OperationRecord
		id, hash []byte
		internal int
		amount   int64
	)
	if err := row.Scan(&id, &op.ModuleKind, &op.Variant, &internal, &hash, &op.Invoice, &amount, &op.GatewayID, &op.CreatedAt); err != nil {
		return nil, err
	}
	if len(id) != 32 || len(hash) != 32 {
		return nil, fmt.Errorf("corrupt operation row: id %d bytes, payment hash %d bytes", len(id), len(hash))
	}
	copy(op.ID[:], id)
	copy(op.PaymentHash[:], hash)
	op.Internal = internal == 1
	op.AmountMsat = uint64(amount)
	return &op, nil
}

func (s *SQLiteStore) GetOperation(ctx context.Context, id [32]byte) (*OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id[:])
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ListOperationsWithoutState returns operations none of whose updates is in
// states, oldest first.
func (s *SQLiteStore) ListOperationsWithoutState(ctx context.Context, states []string) ([]*OperationRecord, error) {
	query := `SELECT ` + operationColumns + ` FROM operations o`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE NOT EXISTS (
			SELECT 1 FROM operation_updates u WHERE u.op_id = o.id AND u.state IN (` + placeholders(len(states)) + `)
		)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*OperationRecord
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *SQLiteStore) AppendUpdate(ctx context.Context, u *UpdateRecord) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO operation_updates (op_id, seq, state, reason, preimage, fee_msat, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.OperationID[:], u.Seq, u.State, u.Reason, u.Preimage, int64(u.FeeMsat), createdAt)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStore) ListUpdates(ctx context.Context, id [32]byte) ([]*UpdateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, state, reason, preimage, fee_msat, created_at
		FROM operation_updates WHERE op_id = ? ORDER BY seq ASC
	`, id[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*UpdateRecord
	for rows.Next() {
		u := UpdateRecord{OperationID: id}
		var fee int64
		if err := rows.Scan(&u.Seq, &u.State, &u.Reason, &u.Preimage, &fee, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.FeeMsat = uint64(fee)
		updates = append(updates, &u)
	}
	return updates, rows.Err()
}

// Balance sums claimed receives, pays that did not end in one of
// failedPayStates, and all fees recorded on pay updates.
func (s *SQLiteStore) Balance(ctx context.Context, claimedState string, failedPayStates []string) (*BalanceSums, error) {
	failedFilter := `0`
	args := []any{claimedState}
	if len(failedPayStates) > 0 {
		failedFilter = `u.state IN (` + placeholders(len(failedPayStates)) + `)`
		for _, st := range failedPayStates {
			args = append(args, st)
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(o.amount_msat) FROM operations o
				WHERE o.variant = 'receive' AND EXISTS (
					SELECT 1 FROM operation_updates u WHERE u.op_id = o.id AND u.state = ?)), 0),
			COALESCE((SELECT SUM(o.amount_msat) FROM operations o
				WHERE o.variant = 'pay' AND NOT EXISTS (
					SELECT 1 FROM operation_updates u WHERE u.op_id = o.id AND `+failedFilter+`)), 0),
			COALESCE((SELECT SUM(u.fee_msat) FROM operation_updates u
				JOIN operations o ON o.id = u.op_id WHERE o.variant = 'pay'), 0)
	`, args...)

	var received, spent, fees int64
	if err := row.Scan(&received, &spent, &fees); err != nil {
		return nil, err
	}
	return &BalanceSums{
		ReceivedMsat: uint64(received),
		SpentMsat:    uint64(spent),
		FeesMsat:     uint64(fees),
	}, nil
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByState: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o.variant, o.created_at,
			COALESCE((SELECT u.state FROM operation_updates u WHERE u.op_id = o.id ORDER BY u.seq DESC LIMIT 1), 'none')
		FROM operations o
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var variant, state string
		var createdAt time.Time
		if err := rows.Scan(&variant, &createdAt, &state); err != nil {
			return nil, err
		}
		stats.TotalOperations++
		switch variant {
		case "receive":
			stats.Receives++
		case "pay":
			stats.Pays++
		}
		stats.ByState[variant+"/"+state]++
		if stats.Oldest.IsZero() || createdAt.Before(stats.Oldest) {
			stats.Oldest = createdAt
		}
		if createdAt.After(stats.Newest) {
			stats.Newest = createdAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dailyRows, err := s.db.QueryContext(ctx, `
		SELECT date(created_at) AS day,
			SUM(CASE WHEN variant = 'receive' THEN 1 ELSE 0 END),
			SUM(CASE WHEN variant = 'pay' THEN 1 ELSE 0 END)
		FROM operations
		WHERE created_at >= datetime('now', '-14 days')
		GROUP BY day
		ORDER BY day DESC
	`)
	if err != nil {
		return nil, err
	}
	defer dailyRows.Close()

	for dailyRows.Next() {
		var ds DailyStat
		if err := dailyRows.Scan(&ds.Date, &ds.Receives, &ds.Pays); err != nil {
			return nil, err
		}
		stats.DailyStats = append(stats.DailyStats, ds)
	}
	return stats, dailyRows.Err()
}

// Snapshot writes a consistent copy of the database to path, which must not
// exist yet.
func (s *SQLiteStore) Snapshot(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
