// Package importer orchestrates the import pipeline: parse a raw bundle,
// migrate it forward, analyze it against live data into reviewable rows,
// and apply the operator's selections through the reconciler, with a
// pre-apply backup and a single audit event per apply.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wwwmanager/fleetdata/internal/audit"
	"github.com/wwwmanager/fleetdata/internal/bundle"
	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/policy"
	"github.com/wwwmanager/fleetdata/internal/reconcile"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

// BackupKey holds the single pre-apply backup snapshot. Each apply
// overwrites it; there is exactly one recovery point at a time.
const BackupKey = "wb:sys:importBackup"

// DefaultAnalyzeTimeout bounds the analysis phase. Past it, Analyze
// degrades to an empty analysis instead of blocking on a pathological
// payload.
const DefaultAnalyzeTimeout = 10 * time.Second

// heavyFragments marks log-like keys whose payloads are too large to be
// worth diffing. Their rows are carried through analysis with zero stats
// and stay disabled.
var heavyFragments = []string{"journal", "log", "history"}

// Action is the operator-editable part of a row.
type Action struct {
	Enabled       bool
	InsertNew     bool
	UpdateMode    reconcile.Mode
	DeleteMissing bool
}

// SubItem is one incoming entity in the preview, with its selection flag.
// SubItems are recomputed on every analysis pass and never persisted.
type SubItem struct {
	ID       string
	Label    string
	Status   reconcile.ItemStatus
	Selected bool
	Data     tree.Value
}

// Row is one data key of the bundle under review.
type Row struct {
	Key      string
	Category policy.Category
	Known    bool
	Incoming tree.Value
	Class    reconcile.Class
	Action   Action
	Stats    reconcile.Stats
	SubItems []SubItem

	// Violation is set when the active policy rejected the row. The row
	// stays visible but cannot be enabled.
	Violation *policy.Violation

	// Skipped marks heavy keys excluded from diffing.
	Skipped bool
}

// Analysis is the reviewable result of one import preview pass.
type Analysis struct {
	Bundle   *bundle.Bundle
	Rows     []Row
	TimedOut bool
}

// Row returns the row for key, or nil.
func (a *Analysis) Row(key string) *Row {
	for i := range a.Rows {
		if a.Rows[i].Key == key {
			return &a.Rows[i]
		}
	}
	return nil
}

// ApplyResult reports a completed apply.
type ApplyResult struct {
	EventID     string
	AppliedKeys []string
}

// PartialApplyFailure reports an apply aborted mid-loop. AppliedKeys were
// written and stay written; recovery is restoring the pre-apply backup.
type PartialApplyFailure struct {
	FailedKey   string
	AppliedKeys []string
	Err         error
}

func (e *PartialApplyFailure) Error() string {
	return fmt.Sprintf("import aborted at key %q after applying [%s]: %v",
		e.FailedKey, strings.Join(e.AppliedKeys, ", "), e.Err)
}

func (e *PartialApplyFailure) Unwrap() error { return e.Err }

// AsPartialApplyFailure unwraps err into a PartialApplyFailure if it is one.
func AsPartialApplyFailure(err error) (*PartialApplyFailure, bool) {
	var pf *PartialApplyFailure
	ok := errors.As(err, &pf)
	return pf, ok
}

// Importer runs the import pipeline against one store.
type Importer struct {
	store          kv.Store
	log            *audit.Log
	policy         *policy.Policy
	notifier       kv.Notifier
	appVersion     string
	analyzeTimeout time.Duration
}

// Config assembles an Importer. Zero fields get defaults: operator policy,
// nop notifier, DefaultAnalyzeTimeout.
type Config struct {
	Store          kv.Store
	Log            *audit.Log
	Policy         *policy.Policy
	Notifier       kv.Notifier
	AppVersion     string
	AnalyzeTimeout time.Duration
}

// New creates an Importer.
func New(cfg Config) *Importer {
	imp := &Importer{
		store:          cfg.Store,
		log:            cfg.Log,
		policy:         cfg.Policy,
		notifier:       cfg.Notifier,
		appVersion:     cfg.AppVersion,
		analyzeTimeout: cfg.AnalyzeTimeout,
	}
	if imp.policy == nil {
		imp.policy = policy.Operator()
	}
	if imp.notifier == nil {
		imp.notifier = kv.NopNotifier{}
	}
	if imp.analyzeTimeout <= 0 {
		imp.analyzeTimeout = DefaultAnalyzeTimeout
	}
	return imp
}

// Analyze parses and migrates raw bundle bytes, then diffs every data key
// against the store into reviewable rows. Parse and migration failures are
// fatal; exceeding the analysis time budget is not — the result degrades to
// an empty row set with TimedOut set.
func (imp *Importer) Analyze(ctx context.Context, raw []byte) (*Analysis, error) {
	b, err := bundle.Parse(raw)
	if err != nil {
		return nil, err
	}
	b, err = bundle.ApplyMigrations(b)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, imp.analyzeTimeout)
	defer cancel()

	keys := make([]string, 0, len(b.Data))
	for k := range b.Data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	a := &Analysis{Bundle: b}
	for _, key := range keys {
		row, err := imp.analyzeRow(ctx, key, b.Data[key])
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				slog.Warn("import analysis timed out", "key", key, "budget", imp.analyzeTimeout)
				return &Analysis{Bundle: b, TimedOut: true}, nil
			}
			return nil, fmt.Errorf("analyze key %q: %w", key, err)
		}
		a.Rows = append(a.Rows, row)
	}

	slog.Info("import analyzed", "formatVersion", b.Meta.FormatVersion, "rows", len(a.Rows))
	return a, nil
}

func (imp *Importer) analyzeRow(ctx context.Context, key string, incoming tree.Value) (Row, error) {
	row := Row{
		Key:      key,
		Category: policy.InferCategoryByKeyName(key),
		Known:    policy.IsKnownKey(key),
		Incoming: incoming,
	}

	allowed, violation := imp.policy.RowAllowed(key, row.Category, row.Known)
	row.Violation = violation
	row.Action = Action{
		Enabled:    allowed,
		InsertNew:  true,
		UpdateMode: imp.policy.DefaultMode(),
	}

	if isHeavyKey(key) {
		row.Skipped = true
		row.Action.Enabled = false
		return row, nil
	}

	existing, err := kv.GetOrNil(ctx, imp.store, key)
	if err != nil {
		return Row{}, err
	}

	row.Class = reconcile.ClassifyPair(existing, incoming)
	stats, items := reconcile.Diff(existing, incoming, row.Class)
	row.Stats = stats
	for _, it := range items {
		row.SubItems = append(row.SubItems, SubItem{
			ID:       it.ID,
			Label:    it.Label,
			Status:   it.Status,
			Selected: it.Status != reconcile.StatusSame,
			Data:     it.Data,
		})
	}
	return row, nil
}

func isHeavyKey(key string) bool {
	lower := strings.ToLower(key)
	for _, f := range heavyFragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Apply writes the enabled rows of an analysis into the store. It first
// snapshots every enabled key into one backup record and awaits that write,
// then reconciles the rows in order, then records a single audit event.
//
// A failure on one key aborts the loop: earlier keys remain applied, no
// audit event is recorded, and the returned PartialApplyFailure names what
// was written. Recovery is RestoreBackup.
func (imp *Importer) Apply(ctx context.Context, a *Analysis) (*ApplyResult, error) {
	var enabled []*Row
	for i := range a.Rows {
		row := &a.Rows[i]
		if !row.Action.Enabled || row.Skipped {
			continue
		}
		if row.Violation != nil {
			return nil, fmt.Errorf("row %q is blocked by policy %s: %s",
				row.Key, imp.policy.Name, row.Violation.Reason)
		}
		if !imp.policy.ModeAllowed(row.Action.UpdateMode) {
			return nil, fmt.Errorf("mode %q for key %q is not allowed by policy %s",
				row.Action.UpdateMode, row.Key, imp.policy.Name)
		}
		if row.Action.DeleteMissing && !imp.policy.AllowDeleteMissing {
			return nil, fmt.Errorf("delete-missing for key %q is not allowed by policy %s",
				row.Key, imp.policy.Name)
		}
		enabled = append(enabled, row)
	}
	if len(enabled) == 0 {
		return nil, errors.New("no rows enabled for import")
	}

	if err := imp.writeBackup(ctx, enabled); err != nil {
		return nil, fmt.Errorf("write pre-import backup: %w", err)
	}

	var (
		applied []string
		items   []audit.Item
	)
	for _, row := range enabled {
		item, err := imp.applyRow(ctx, row)
		if err != nil {
			return nil, &PartialApplyFailure{FailedKey: row.Key, AppliedKeys: applied, Err: err}
		}
		applied = append(applied, row.Key)
		items = append(items, item)
	}

	evt := audit.Event{
		Header: audit.EventHeader{
			ID: uuid.NewString(),
			At: time.Now().UTC().Format(time.RFC3339),
			Source: audit.SourceMeta{
				AppID:      a.Bundle.Meta.AppID,
				AppVersion: a.Bundle.Meta.AppVersion,
				CreatedAt:  a.Bundle.Meta.CreatedAt,
				Summary:    a.Bundle.Meta.Summary,
			},
		},
		Items: items,
	}
	if err := imp.log.Append(ctx, evt); err != nil {
		return nil, fmt.Errorf("record import audit event: %w", err)
	}

	imp.notifier.DataChanged(applied)
	slog.Info("import applied", "event", evt.Header.ID, "keys", len(applied))
	return &ApplyResult{EventID: evt.Header.ID, AppliedKeys: applied}, nil
}

func (imp *Importer) applyRow(ctx context.Context, row *Row) (audit.Item, error) {
	existing, err := kv.GetOrNil(ctx, imp.store, row.Key)
	if err != nil {
		return audit.Item{}, err
	}

	opts := reconcile.Options{
		Mode:          row.Action.UpdateMode,
		InsertNew:     row.Action.InsertNew,
		DeleteMissing: row.Action.DeleteMissing,
		SelectedIDs:   row.selectedIDs(),
	}
	result := reconcile.Reconcile(existing, row.Incoming, row.Class, opts)
	if err := imp.store.Set(ctx, row.Key, result); err != nil {
		return audit.Item{}, err
	}

	item := audit.Item{
		StorageKey:   row.Key,
		Key:          row.Key,
		Category:     string(row.Category),
		Action:       "import",
		BeforeExists: existing != nil,
		AfterExists:  true,
		Params: map[string]string{
			"mode":          string(opts.Mode),
			"insertNew":     strconv.FormatBool(opts.InsertNew),
			"deleteMissing": strconv.FormatBool(opts.DeleteMissing),
		},
		AfterSnapshot: &audit.Snapshot{V: result},
	}
	if row.Class.Entity {
		item.IDField = row.Class.IDField
	}
	if existing != nil {
		item.BeforeSnapshot = &audit.Snapshot{V: existing}
	}
	return item, nil
}

// selectedIDs returns the restriction set for entity rows, or nil when
// every sub-item is selected (no restriction).
func (r *Row) selectedIDs() map[string]bool {
	if !r.Class.Entity {
		return nil
	}
	all := true
	ids := make(map[string]bool, len(r.SubItems))
	for _, si := range r.SubItems {
		if si.Selected {
			ids[si.ID] = true
		} else {
			all = false
		}
	}
	if all {
		return nil
	}
	return ids
}
