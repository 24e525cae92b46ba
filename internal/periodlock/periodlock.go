// Package periodlock implements hash-based period locking: a cryptographic
// commitment over a month's finalized documents, verifiable later to detect
// post-lock tampering.
//
// The manager only produces and checks hashes. It does NOT prevent edits to
// locked-period documents; the document-mutation collaborator is expected
// to consult IsLocked before writing.
package periodlock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/reconcile"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

// LocksKey is the fixed storage key holding all period locks.
const LocksKey = "wb:sys:periodLocks"

// Lock is the persisted commitment for one period. Locks are immutable
// while they exist: created by ClosePeriod, destroyed by Delete, never
// updated.
type Lock struct {
	ID             string `json:"id"`
	Period         string `json:"period"` // YYYY-MM
	LockedAt       string `json:"lockedAt"`
	LockedByUserID string `json:"lockedByUserId"`
	DataHash       string `json:"dataHash"`
	RecordCount    int    `json:"recordCount"`
	Notes          string `json:"notes,omitempty"`
}

// Verification is the outcome of recomputing a lock's hash.
type Verification struct {
	Lock        Lock
	Valid       bool
	Detail      string
	RecordCount int // documents found at verification time
}

// Config controls which documents a period covers.
type Config struct {
	// DocumentKeys are the entity keys whose records participate in the
	// hash. Defaults to the waybill and order collections.
	DocumentKeys []string

	// DateField is the document field holding the ISO date. Default "date".
	DateField string

	// StatusField and FinalStatuses decide which documents are finalized.
	// Defaults: "status" in {"closed", "approved"}.
	StatusField   string
	FinalStatuses []string
}

func (c *Config) applyDefaults() {
	if len(c.DocumentKeys) == 0 {
		c.DocumentKeys = []string{"wb:waybills", "wb:orders"}
	}
	if c.DateField == "" {
		c.DateField = "date"
	}
	if c.StatusField == "" {
		c.StatusField = "status"
	}
	if len(c.FinalStatuses) == 0 {
		c.FinalStatuses = []string{"closed", "approved"}
	}
}

// Manager computes, stores, verifies, and deletes period locks.
type Manager struct {
	store kv.Store
	cfg   Config
}

// New creates a Manager over the given store.
func New(store kv.Store, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{store: store, cfg: cfg}
}

// List returns all locks, oldest period first.
func (m *Manager) List(ctx context.Context) ([]Lock, error) {
	v, err := kv.GetOrNil(ctx, m.store, LocksKey)
	if err != nil {
		return nil, fmt.Errorf("read period locks: %w", err)
	}
	if v == nil {
		return nil, nil
	}

	raw, err := tree.ToJSON(v)
	if err != nil {
		return nil, fmt.Errorf("read period locks: %w", err)
	}
	var locks []Lock
	if err := json.Unmarshal(raw, &locks); err != nil {
		return nil, fmt.Errorf("read period locks: %w", err)
	}
	slices.SortFunc(locks, func(a, b Lock) int {
		return strings.Compare(a.Period, b.Period)
	})
	return locks, nil
}

// IsLocked reports whether any lock exists for the period. The document
// mutation layer consults this before accepting edits.
func (m *Manager) IsLocked(ctx context.Context, period string) (bool, error) {
	locks, err := m.List(ctx)
	if err != nil {
		return false, err
	}
	for _, l := range locks {
		if l.Period == period {
			return true, nil
		}
	}
	return false, nil
}

// Get returns the lock with the given id.
func (m *Manager) Get(ctx context.Context, lockID string) (Lock, error) {
	locks, err := m.List(ctx)
	if err != nil {
		return Lock{}, err
	}
	for _, l := range locks {
		if l.ID == lockID {
			return l, nil
		}
	}
	return Lock{}, fmt.Errorf("period lock %s not found", lockID)
}

// ClosePeriod collects the period's finalized documents, hashes them
// canonically, and persists a new lock: open -> locked.
func (m *Manager) ClosePeriod(ctx context.Context, period, userID, notes string) (Lock, error) {
	if err := validatePeriod(period); err != nil {
		return Lock{}, err
	}

	locked, err := m.IsLocked(ctx, period)
	if err != nil {
		return Lock{}, err
	}
	if locked {
		return Lock{}, fmt.Errorf("period %s is already locked", period)
	}

	hash, count, err := m.hashPeriod(ctx, period)
	if err != nil {
		return Lock{}, err
	}

	lock := Lock{
		ID:             uuid.NewString(),
		Period:         period,
		LockedAt:       time.Now().UTC().Format(time.RFC3339),
		LockedByUserID: userID,
		DataHash:       hash,
		RecordCount:    count,
		Notes:          notes,
	}

	locks, err := m.List(ctx)
	if err != nil {
		return Lock{}, err
	}
	if err := m.writeLocks(ctx, append(locks, lock)); err != nil {
		return Lock{}, err
	}

	slog.Info("period locked", "period", period, "records", count, "user", userID)
	return lock, nil
}

// Verify recomputes the hash over the CURRENT matching documents with the
// identical canonicalization and compares it to the stored commitment.
func (m *Manager) Verify(ctx context.Context, lockID string) (Verification, error) {
	lock, err := m.Get(ctx, lockID)
	if err != nil {
		return Verification{}, err
	}

	hash, count, err := m.hashPeriod(ctx, lock.Period)
	if err != nil {
		return Verification{}, err
	}

	v := Verification{Lock: lock, RecordCount: count}
	if hash == lock.DataHash {
		v.Valid = true
		v.Detail = fmt.Sprintf("%d documents intact", count)
		return v, nil
	}

	if count != lock.RecordCount {
		v.Detail = fmt.Sprintf("record count changed: %d locked, %d now", lock.RecordCount, count)
	} else {
		v.Detail = "document content changed since lock"
	}
	slog.Warn("period lock verification failed", "period", lock.Period, "detail", v.Detail)
	return v, nil
}

// Delete removes a lock: locked -> open. Callers must record this through
// the audit subsystem; the manager itself keeps no trace.
func (m *Manager) Delete(ctx context.Context, lockID string) (Lock, error) {
	locks, err := m.List(ctx)
	if err != nil {
		return Lock{}, err
	}

	for i, l := range locks {
		if l.ID == lockID {
			if err := m.writeLocks(ctx, append(locks[:i], locks[i+1:]...)); err != nil {
				return Lock{}, err
			}
			slog.Info("period lock deleted", "period", l.Period, "id", lockID)
			return l, nil
		}
	}
	return Lock{}, fmt.Errorf("period lock %s not found", lockID)
}

// hashPeriod canonically serializes the period's finalized documents in a
// stable order and hashes the concatenation.
func (m *Manager) hashPeriod(ctx context.Context, period string) (string, int, error) {
	docs, err := m.collectDocuments(ctx, period)
	if err != nil {
		return "", 0, err
	}

	canonical, err := tree.MarshalCanonical(docs)
	if err != nil {
		return "", 0, fmt.Errorf("hash period %s: %w", period, err)
	}
	return tree.HashWithDomain(tree.DomainPeriodLock, canonical), len(docs), nil
}

// collectDocuments gathers finalized documents whose date falls inside the
// period, ordered by (document key, id) for stability.
func (m *Manager) collectDocuments(ctx context.Context, period string) (tree.Array, error) {
	var docs tree.Array

	for _, key := range m.cfg.DocumentKeys {
		v, err := kv.GetOrNil(ctx, m.store, key)
		if err != nil {
			return nil, fmt.Errorf("collect documents from %q: %w", key, err)
		}
		arr, ok := v.(tree.Array)
		if !ok {
			continue
		}

		class := reconcile.Classify(arr)
		idField := class.IDField
		if idField == "" {
			idField = "id"
		}

		type keyed struct {
			id  string
			doc tree.Value
		}
		var matched []keyed
		for _, doc := range arr {
			obj, isObj := doc.(tree.Object)
			if !isObj {
				continue
			}
			if !m.inPeriod(obj, period) || !m.isFinal(obj) {
				continue
			}
			id, _ := reconcile.EntityID(obj, idField)
			matched = append(matched, keyed{id: id, doc: obj})
		}

		slices.SortStableFunc(matched, func(a, b keyed) int {
			return strings.Compare(a.id, b.id)
		})
		for _, k := range matched {
			docs = append(docs, k.doc)
		}
	}

	return docs, nil
}

func (m *Manager) inPeriod(doc tree.Object, period string) bool {
	date, ok := doc[m.cfg.DateField].(tree.String)
	if !ok {
		return false
	}
	return strings.HasPrefix(string(date), period)
}

func (m *Manager) isFinal(doc tree.Object) bool {
	status, ok := doc[m.cfg.StatusField].(tree.String)
	if !ok {
		return false
	}
	for _, s := range m.cfg.FinalStatuses {
		if string(status) == s {
			return true
		}
	}
	return false
}

func (m *Manager) writeLocks(ctx context.Context, locks []Lock) error {
	raw, err := json.Marshal(locks)
	if err != nil {
		return fmt.Errorf("write period locks: %w", err)
	}
	v, err := tree.FromJSON(raw)
	if err != nil {
		return fmt.Errorf("write period locks: %w", err)
	}
	return m.store.Set(ctx, LocksKey, v)
}

func validatePeriod(period string) error {
	if _, err := time.Parse("2006-01", period); err != nil {
		return fmt.Errorf("invalid period %q: want YYYY-MM", period)
	}
	return nil
}
