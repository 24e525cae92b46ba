// Package rollback undoes or permanently erases changes recorded in audit
// items. Both operations are deliberately best-effort across keys: one
// failing key must not strand the recovery of every other key, so results
// carry per-item success/failure counts instead of a single error.
package rollback

import (
	"context"
	"log/slog"

	"github.com/wwwmanager/fleetdata/internal/audit"
	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/reconcile"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

// Failure records one item that could not be processed.
type Failure struct {
	StorageKey string
	IDValue    string
	Err        error
}

// Result summarizes a purge or rollback run.
type Result struct {
	Succeeded int
	Failed    int
	Failures  []Failure
}

func (r *Result) fail(items []audit.Item, err error) {
	for _, item := range items {
		r.Failed++
		r.Failures = append(r.Failures, Failure{
			StorageKey: item.StorageKey,
			IDValue:    item.IDValue,
			Err:        err,
		})
	}
}

// Engine executes rollback and purge against the storage collaborator.
type Engine struct {
	store    kv.Store
	notifier kv.Notifier
}

// New creates an Engine. notifier may be nil.
func New(store kv.Store, notifier kv.Notifier) *Engine {
	if notifier == nil {
		notifier = kv.NopNotifier{}
	}
	return &Engine{store: store, notifier: notifier}
}

// groupByKey preserves item order within each key and key order of first
// appearance.
func groupByKey(items []audit.Item) ([]string, map[string][]audit.Item) {
	var order []string
	groups := make(map[string][]audit.Item)
	for _, item := range items {
		if _, seen := groups[item.StorageKey]; !seen {
			order = append(order, item.StorageKey)
		}
		groups[item.StorageKey] = append(groups[item.StorageKey], item)
	}
	return order, groups
}

// splitGroup separates items addressing individual entities from items that
// recorded a whole-key change. An item without an id value captured the
// entire value under the key, whatever shape that value has.
func splitGroup(group []audit.Item) (entity, whole []audit.Item) {
	for _, item := range group {
		if item.IDValue != "" {
			entity = append(entity, item)
		} else {
			whole = append(whole, item)
		}
	}
	return entity, whole
}

// groupIDField resolves the entity id field for a key group. The recorded id
// field is authoritative; the current stored value is the fallback.
func groupIDField(items []audit.Item, current tree.Value) string {
	for _, item := range items {
		if item.IDField != "" {
			return item.IDField
		}
	}
	if class := reconcile.Classify(current); class.Entity && class.IDField != "" {
		return class.IDField
	}
	return "id"
}

// Purge permanently erases the recorded changes: matched entities are
// removed from their arrays, whole-key changes are erased by deleting the
// key. Purged data is unrecoverable; callers surface that loudly.
func (e *Engine) Purge(ctx context.Context, items []audit.Item) Result {
	var res Result
	order, groups := groupByKey(items)
	var changed []string

	for _, key := range order {
		group := groups[key]
		if err := e.purgeKey(ctx, key, group); err != nil {
			res.fail(group, err)
			slog.Warn("purge failed for key", "key", key, "error", err)
			continue
		}
		res.Succeeded += len(group)
		changed = append(changed, key)
	}

	if len(changed) > 0 {
		e.notifier.DataChanged(changed)
	}
	return res
}

func (e *Engine) purgeKey(ctx context.Context, key string, group []audit.Item) error {
	entityItems, wholeItems := splitGroup(group)

	// A whole-key item means the entire value under the key is the recorded
	// change; erasing it erases the key.
	if len(wholeItems) > 0 || len(entityItems) == 0 {
		return e.store.Delete(ctx, key)
	}

	current, err := kv.GetOrNil(ctx, e.store, key)
	if err != nil {
		return err
	}
	idField := groupIDField(entityItems, current)

	arr, _ := current.(tree.Array)
	drop := make(map[string]bool, len(entityItems))
	for _, item := range entityItems {
		drop[item.IDValue] = true
	}

	kept := make(tree.Array, 0, len(arr))
	for _, entity := range arr {
		if id, ok := reconcile.EntityID(entity, idField); ok && drop[id] {
			continue
		}
		kept = append(kept, entity)
	}

	return e.store.Set(ctx, key, kept)
}

// Rollback restores the state captured in the items' before-snapshots.
//
// Entity items: beforeExists with a captured snapshot restores that exact
// snapshot; beforeExists without a snapshot is an information-loss case
// handled as a best-effort delete; beforeExists=false deletes the entity,
// undoing an insert.
//
// Whole-key items restore the full captured value, or delete the key when
// it did not exist before. With several contributing items the LATEST one
// carrying a snapshot wins; items are recorded in apply order, so the last
// snapshot is the most recent pre-change state.
func (e *Engine) Rollback(ctx context.Context, items []audit.Item) Result {
	var res Result
	order, groups := groupByKey(items)
	var changed []string

	for _, key := range order {
		group := groups[key]
		if err := e.rollbackKey(ctx, key, group); err != nil {
			res.fail(group, err)
			slog.Warn("rollback failed for key", "key", key, "error", err)
			continue
		}
		res.Succeeded += len(group)
		changed = append(changed, key)
	}

	if len(changed) > 0 {
		e.notifier.DataChanged(changed)
	}
	return res
}

func (e *Engine) rollbackKey(ctx context.Context, key string, group []audit.Item) error {
	entityItems, wholeItems := splitGroup(group)

	if len(wholeItems) > 0 {
		if err := e.rollbackWhole(ctx, key, wholeItems); err != nil {
			return err
		}
	}
	if len(entityItems) == 0 {
		return nil
	}

	current, err := kv.GetOrNil(ctx, e.store, key)
	if err != nil {
		return err
	}
	idField := groupIDField(entityItems, current)

	arr, _ := current.(tree.Array)
	idx := make(map[string]tree.Value, len(arr))
	var orderIDs []string
	for _, entity := range arr {
		id, ok := reconcile.EntityID(entity, idField)
		if !ok {
			// entities without ids are left alone
			continue
		}
		if _, dup := idx[id]; !dup {
			orderIDs = append(orderIDs, id)
		}
		idx[id] = entity
	}
	keyless := collectKeyless(arr, idField)

	for _, item := range entityItems {
		switch {
		case item.BeforeExists && item.BeforeSnapshot != nil:
			if _, present := idx[item.IDValue]; !present {
				orderIDs = append(orderIDs, item.IDValue)
			}
			idx[item.IDValue] = item.BeforeSnapshot.V
		default:
			// beforeExists without a snapshot (information loss) and
			// undo-of-insert both degrade to delete
			if _, present := idx[item.IDValue]; present {
				delete(idx, item.IDValue)
				orderIDs = removeID(orderIDs, item.IDValue)
			}
		}
	}

	out := make(tree.Array, 0, len(orderIDs)+len(keyless))
	for _, id := range orderIDs {
		out = append(out, idx[id])
	}
	out = append(out, keyless...)
	return e.store.Set(ctx, key, out)
}

func (e *Engine) rollbackWhole(ctx context.Context, key string, items []audit.Item) error {
	// Latest snapshot wins.
	var snapshot *audit.Snapshot
	anyBefore := false
	for _, item := range items {
		if item.BeforeExists {
			anyBefore = true
			if item.BeforeSnapshot != nil {
				snapshot = item.BeforeSnapshot
			}
		}
	}

	if snapshot != nil {
		return e.store.Set(ctx, key, snapshot.V)
	}
	if anyBefore {
		// captured nothing to restore; deleting is the only honest move
		slog.Warn("whole-key rollback without snapshot, deleting key", "key", key)
	}
	return e.store.Delete(ctx, key)
}

func collectKeyless(arr tree.Array, idField string) tree.Array {
	var out tree.Array
	for _, entity := range arr {
		if _, ok := reconcile.EntityID(entity, idField); !ok {
			out = append(out, entity)
		}
	}
	return out
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// MarkItems flags processed items as rolled back or purged so a re-recorded
// audit event reflects what happened. Only successfully processed keys are
// flagged.
func MarkItems(items []audit.Item, res Result, purged bool) []audit.Item {
	failedKeys := make(map[string]bool, len(res.Failures))
	for _, f := range res.Failures {
		failedKeys[f.StorageKey] = true
	}

	out := make([]audit.Item, len(items))
	for i, item := range items {
		if !failedKeys[item.StorageKey] {
			if purged {
				item.Purged = true
			} else {
				item.RolledBack = true
			}
		}
		out[i] = item
	}
	return out
}
