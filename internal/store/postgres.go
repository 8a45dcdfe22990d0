package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore implements EventStore on a Postgres database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the tables and indices if they do not exist.
func (s *PostgresStore) EnsureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallet_metadata (
			agent_id TEXT PRIMARY KEY,
			derivation_index BIGINT UNIQUE NOT NULL,
			evm_address TEXT,
			xrp_address TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			metadata_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS balance_history (
			id BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL,
			chain TEXT NOT NULL,
			token TEXT NOT NULL,
			balance TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_history_agent
			ON balance_history (agent_id, chain, token)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_history_ts
			ON balance_history (timestamp)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			operation TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			details_json TEXT,
			result TEXT NOT NULL,
			ip TEXT,
			user_agent TEXT,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_subject
			ON audit_log (subject_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS follow_events (
			author TEXT NOT NULL,
			event_id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			raw BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_follow_events_author
			ON follow_events (author)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveFollowEvent(author, id string, createdAt int64, raw []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO follow_events (author, event_id, created_at, raw)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		author, id, createdAt, raw)
	return err
}

func (s *PostgresStore) DeleteFollowEvents(author string) error {
	_, err := s.db.Exec(`DELETE FROM follow_events WHERE author = $1`, author)
	return err
}

func (s *PostgresStore) LoadFollowEvents() ([]FollowEventRecord, error) {
	rows, err := s.db.Query(
		`SELECT author, event_id, created_at, raw FROM follow_events ORDER BY author`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FollowEventRecord
	for rows.Next() {
		var rec FollowEventRecord
		if err := rows.Scan(&rec.Author, &rec.EventID, &rec.CreatedAt, &rec.Raw); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertWalletMetadata(w WalletMetadata) error {
	_, err := s.db.Exec(
		`INSERT INTO wallet_metadata (agent_id, derivation_index, evm_address, xrp_address, created_at, metadata_json)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id) DO UPDATE SET
			evm_address = EXCLUDED.evm_address,
			xrp_address = EXCLUDED.xrp_address,
			metadata_json = EXCLUDED.metadata_json`,
		w.AgentID, w.DerivationIndex, w.EVMAddress, w.XRPAddress, w.CreatedAt, w.MetadataJSON)
	return err
}

func (s *PostgresStore) GetWalletMetadata(agentID string) (WalletMetadata, bool, error) {
	var w WalletMetadata
	err := s.db.QueryRow(
		`SELECT agent_id, derivation_index, evm_address, xrp_address, created_at, metadata_json
		 FROM wallet_metadata WHERE agent_id = $1`, agentID).
		Scan(&w.AgentID, &w.DerivationIndex, &w.EVMAddress, &w.XRPAddress, &w.CreatedAt, &w.MetadataJSON)
	if err == sql.ErrNoRows {
		return WalletMetadata{}, false, nil
	}
	if err != nil {
		return WalletMetadata{}, false, err
	}
	return w, true, nil
}

func (s *PostgresStore) AppendBalanceHistory(rec BalanceRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO balance_history (agent_id, chain, token, balance, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.AgentID, rec.Chain, rec.Token, rec.Balance, rec.Timestamp)
	return err
}

func (s *PostgresStore) QueryBalanceHistory(agentID, chain, token string, limit int) ([]BalanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, agent_id, chain, token, balance, timestamp FROM balance_history
		 WHERE ($1 = '' OR agent_id = $1)
		   AND ($2 = '' OR chain = $2)
		   AND ($3 = '' OR token = $3)
		 ORDER BY timestamp DESC
		 LIMIT $4`,
		agentID, chain, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceRecord
	for rows.Next() {
		var rec BalanceRecord
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Chain, &rec.Token, &rec.Balance, &rec.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAudit(rec AuditRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (operation, subject_id, details_json, result, ip, user_agent, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Operation, rec.SubjectID, rec.DetailsJSON, rec.Result, rec.IP, rec.UserAgent, rec.Timestamp)
	return err
}

func (s *PostgresStore) QueryAudit(subjectID, operation string, start, end time.Time, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	// Zero times widen the window instead of excluding everything.
	if end.IsZero() {
		end = time.Now().Add(24 * time.Hour)
	}
	rows, err := s.db.Query(
		`SELECT id, operation, subject_id, details_json, result, ip, user_agent, timestamp
		 FROM audit_log
		 WHERE ($1 = '' OR subject_id = $1)
		   AND ($2 = '' OR operation = $2)
		   AND timestamp >= $3 AND timestamp <= $4
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $5`,
		subjectID, operation, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Operation, &rec.SubjectID, &rec.DetailsJSON,
			&rec.Result, &rec.IP, &rec.UserAgent, &rec.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClearAudit() error {
	_, err := s.db.Exec(`DELETE FROM audit_log`)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
