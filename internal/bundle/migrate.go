package bundle

import (
	"fmt"

	"github.com/wwwmanager/fleetdata/internal/tree"
)

// CurrentFormatVersion is the bundle format this build reads and writes.
//
// Version history:
//  1 - flat exports with bare key names (vehicles, drivers, ...)
//  2 - namespaced keys under the wb: prefix
//  3 - wb:autos folded into wb:vehicles, meta.appId required
const CurrentFormatVersion = 3

// Migration advances a bundle exactly one format version. Implementations
// must not mutate their input; they return a fresh bundle with
// FormatVersion incremented.
type Migration func(*Bundle) (*Bundle, error)

// MigrationGapError indicates no migration path exists between the bundle's
// format version and the current one. Earlier builds silently froze the
// bundle at the intermediate version and handed the reconciler data it only
// partially understood; this is now a hard failure.
type MigrationGapError struct {
	BundleVersion  int
	CurrentVersion int
}

func (e *MigrationGapError) Error() string {
	if e.BundleVersion > e.CurrentVersion {
		return fmt.Sprintf("bundle format v%d is newer than supported v%d: update the application to import this file",
			e.BundleVersion, e.CurrentVersion)
	}
	return fmt.Sprintf("no migration registered for bundle format v%d (current v%d)",
		e.BundleVersion, e.CurrentVersion)
}

// migrations maps a source format version to the migration that advances it.
var migrations = map[int]Migration{
	1: migrateV1NamespaceKeys,
	2: migrateV2FoldAutos,
}

// v1 exports used bare collection names.
var v1KeyAliases = map[string]string{
	"vehicles":      "wb:vehicles",
	"autos":         "wb:autos",
	"drivers":       "wb:drivers",
	"employees":     "wb:drivers",
	"routes":        "wb:routes",
	"organizations": "wb:organizations",
	"fuelTypes":     "wb:fuelTypes",
	"waybills":      "wb:waybills",
	"orders":        "wb:orders",
	"settings":      "wb:settings",
	"journal":       "wb:journal",
}

// ApplyMigrations advances a bundle through registered migrations until it
// reaches CurrentFormatVersion. The input bundle is never modified.
//
// A bundle whose version has no registered migration (or is newer than this
// build) fails with MigrationGapError rather than importing half-migrated
// data.
func ApplyMigrations(b *Bundle) (*Bundle, error) {
	cur := b
	for cur.Meta.FormatVersion != CurrentFormatVersion {
		m, ok := migrations[cur.Meta.FormatVersion]
		if !ok || cur.Meta.FormatVersion > CurrentFormatVersion {
			return nil, &MigrationGapError{
				BundleVersion:  cur.Meta.FormatVersion,
				CurrentVersion: CurrentFormatVersion,
			}
		}

		next, err := m(cur)
		if err != nil {
			return nil, fmt.Errorf("migrate bundle from v%d: %w", cur.Meta.FormatVersion, err)
		}
		if next.Meta.FormatVersion <= cur.Meta.FormatVersion {
			return nil, fmt.Errorf("migration from v%d did not advance format version", cur.Meta.FormatVersion)
		}
		cur = next
	}
	return cur, nil
}

// renameKeys returns a copy of the bundle with data keys renamed per the
// alias table. Unmapped keys pass through unchanged. When an alias target
// already exists in the source data, the aliased value loses — the modern
// key is authoritative.
func renameKeys(b *Bundle, aliases map[string]string) *Bundle {
	data := make(map[string]tree.Value, len(b.Data))
	for k, v := range b.Data {
		target, aliased := aliases[k]
		if !aliased {
			data[k] = v
			continue
		}
		if _, exists := b.Data[target]; exists {
			continue
		}
		data[target] = v
	}

	out := &Bundle{Meta: b.Meta, Data: data}
	out.Meta.Keys = nil // stale after renames; Data is authoritative
	return out
}

func migrateV1NamespaceKeys(b *Bundle) (*Bundle, error) {
	out := renameKeys(b, v1KeyAliases)
	out.Meta.FormatVersion = 2
	return out, nil
}

// migrateV2FoldAutos merges the deprecated wb:autos collection into
// wb:vehicles. Entries keep their original ids; when both collections are
// present the vehicles entries win on id collision during a later merge, so
// here the arrays are simply concatenated vehicles-first.
func migrateV2FoldAutos(b *Bundle) (*Bundle, error) {
	out := renameKeys(b, nil)
	out.Meta.FormatVersion = 3
	if out.Meta.AppID == "" {
		out.Meta.AppID = AppID
	}

	autos, ok := out.Data["wb:autos"].(tree.Array)
	if !ok {
		delete(out.Data, "wb:autos")
		return out, nil
	}
	delete(out.Data, "wb:autos")

	vehicles, _ := out.Data["wb:vehicles"].(tree.Array)
	merged := make(tree.Array, 0, len(vehicles)+len(autos))
	merged = append(merged, vehicles...)
	merged = append(merged, autos...)
	out.Data["wb:vehicles"] = merged
	return out, nil
}
