package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wwwmanager/fleetdata/internal/bundle"
	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/policy"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

// Backup is the pre-apply snapshot. Keys lists every key that was about to
// be written; Data holds the values that existed at snapshot time. A key in
// Keys but absent from Data did not exist, and restore deletes it.
type Backup struct {
	CreatedAt string
	Keys      []string
	Data      map[string]tree.Value
}

func (imp *Importer) writeBackup(ctx context.Context, rows []*Row) error {
	keys := tree.Array{}
	data := tree.Object{}
	for _, row := range rows {
		keys = append(keys, tree.String(row.Key))
		v, err := kv.GetOrNil(ctx, imp.store, row.Key)
		if err != nil {
			return err
		}
		if v != nil {
			data[row.Key] = v
		}
	}

	snapshot := tree.Object{
		"createdAt": tree.String(time.Now().UTC().Format(time.RFC3339)),
		"keys":      keys,
		"data":      data,
	}
	return imp.store.Set(ctx, BackupKey, snapshot)
}

// LoadBackup reads the current backup snapshot, or nil when none exists.
func (imp *Importer) LoadBackup(ctx context.Context) (*Backup, error) {
	v, err := kv.GetOrNil(ctx, imp.store, BackupKey)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(tree.Object)
	if !ok {
		return nil, fmt.Errorf("backup record is not an object")
	}

	b := &Backup{Data: map[string]tree.Value{}}
	if s, ok := obj["createdAt"].(tree.String); ok {
		b.CreatedAt = string(s)
	}
	if keys, ok := obj["keys"].(tree.Array); ok {
		for _, k := range keys {
			if s, ok := k.(tree.String); ok {
				b.Keys = append(b.Keys, string(s))
			}
		}
	}
	if data, ok := obj["data"].(tree.Object); ok {
		for k, val := range data {
			b.Data[k] = val
		}
	}
	return b, nil
}

// RestoreBackup rewrites every snapshotted key to its backed-up value and
// deletes keys that did not exist at snapshot time. This is the recovery
// path after a partial apply.
func (imp *Importer) RestoreBackup(ctx context.Context) (*Backup, error) {
	b, err := imp.LoadBackup(ctx)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("no backup to restore")
	}

	for _, key := range b.Keys {
		if v, ok := b.Data[key]; ok {
			err = imp.store.Set(ctx, key, v)
		} else {
			err = imp.store.Delete(ctx, key)
			if errors.Is(err, kv.ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("restore key %q: %w", key, err)
		}
	}

	imp.notifier.DataChanged(b.Keys)
	slog.Info("backup restored", "createdAt", b.CreatedAt, "keys", len(b.Keys))
	return b, nil
}

// Export serializes store data into a current-version bundle. With no keys
// given it exports every non-internal key in the store.
func (imp *Importer) Export(ctx context.Context, keys []string) ([]byte, error) {
	if len(keys) == 0 {
		all, err := imp.store.ListKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		for _, k := range all {
			if strings.HasPrefix(k, policy.InternalKeyPrefix) {
				continue
			}
			keys = append(keys, k)
		}
	}

	data := map[string]tree.Value{}
	for _, key := range keys {
		v, err := imp.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("export key %q: %w", key, err)
		}
		data[key] = v
	}

	return bundle.New(imp.appVersion, data).Encode()
}
