// Package store persists the connector's durable state: accepted follow
// events, wallet metadata, balance history, and the audit log. An
// in-memory store serves tests and DB-less nodes, and a Postgres store
// serves production.
package store

import (
	"sort"
	"sync"
	"time"
)

// WalletMetadata is one row of the wallet_metadata table. Derivation
// indices are unique across agents.
type WalletMetadata struct {
	AgentID         string
	DerivationIndex int64
	EVMAddress      string
	XRPAddress      string
	CreatedAt       time.Time
	MetadataJSON    string
}

// BalanceRecord is one row of balance_history. Balances are strings to
// preserve precision beyond 64 bits.
type BalanceRecord struct {
	ID        int64
	AgentID   string
	Chain     string
	Token     string
	Balance   string
	Timestamp time.Time
}

// AuditRecord is one row of audit_log. Append-only.
type AuditRecord struct {
	ID          int64
	Operation   string
	SubjectID   string
	DetailsJSON string
	Result      string // "success" | "failure"
	IP          string
	UserAgent   string
	Timestamp   time.Time
}

// FollowEventRecord is a persisted gossip event, newest-per-author.
type FollowEventRecord struct {
	Author    string
	EventID   string
	CreatedAt int64
	Raw       []byte
}

// EventStore is what the rest of the node sees. All methods are safe for
// concurrent use.
type EventStore interface {
	SaveFollowEvent(author, id string, createdAt int64, raw []byte) error
	DeleteFollowEvents(author string) error
	LoadFollowEvents() ([]FollowEventRecord, error)

	UpsertWalletMetadata(w WalletMetadata) error
	GetWalletMetadata(agentID string) (WalletMetadata, bool, error)

	AppendBalanceHistory(rec BalanceRecord) error
	QueryBalanceHistory(agentID, chain, token string, limit int) ([]BalanceRecord, error)

	AppendAudit(rec AuditRecord) error
	QueryAudit(subjectID, operation string, start, end time.Time, limit int) ([]AuditRecord, error)
	ClearAudit() error

	Close() error
}

// MemoryStore keeps everything in maps. It backs tests and nodes started
// without a database URL.
type MemoryStore struct {
	mu sync.RWMutex

	followEvents map[string]FollowEventRecord // author -> newest event
	wallets      map[string]WalletMetadata
	balances     []BalanceRecord
	audits       []AuditRecord
	nextID       int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		followEvents: make(map[string]FollowEventRecord),
		wallets:      make(map[string]WalletMetadata),
	}
}

func (s *MemoryStore) SaveFollowEvent(author, id string, createdAt int64, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	s.followEvents[author] = FollowEventRecord{Author: author, EventID: id, CreatedAt: createdAt, Raw: cp}
	return nil
}

func (s *MemoryStore) DeleteFollowEvents(author string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.followEvents, author)
	return nil
}

func (s *MemoryStore) LoadFollowEvents() ([]FollowEventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FollowEventRecord, 0, len(s.followEvents))
	for _, rec := range s.followEvents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Author < out[j].Author })
	return out, nil
}

func (s *MemoryStore) UpsertWalletMetadata(w WalletMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.AgentID] = w
	return nil
}

func (s *MemoryStore) GetWalletMetadata(agentID string) (WalletMetadata, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[agentID]
	return w, ok, nil
}

func (s *MemoryStore) AppendBalanceHistory(rec BalanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.balances = append(s.balances, rec)
	return nil
}

func (s *MemoryStore) QueryBalanceHistory(agentID, chain, token string, limit int) ([]BalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BalanceRecord
	for i := len(s.balances) - 1; i >= 0; i-- {
		rec := s.balances[i]
		if agentID != "" && rec.AgentID != agentID {
			continue
		}
		if chain != "" && rec.Chain != chain {
			continue
		}
		if token != "" && rec.Token != token {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.audits = append(s.audits, rec)
	return nil
}

func (s *MemoryStore) QueryAudit(subjectID, operation string, start, end time.Time, limit int) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditRecord
	// Newest first: the slice is append-ordered, walk it backwards.
	for i := len(s.audits) - 1; i >= 0; i-- {
		rec := s.audits[i]
		if subjectID != "" && rec.SubjectID != subjectID {
			continue
		}
		if operation != "" && rec.Operation != operation {
			continue
		}
		if !start.IsZero() && rec.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && rec.Timestamp.After(end) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ClearAudit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = nil
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
