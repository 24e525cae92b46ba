package kv

import (
	"context"
	"fmt"
	"sync"

	"github.com/wwwmanager/fleetdata/internal/reconcile"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

// Repository exposes list/create/update/removeBulk over one array-valued
// entity key. It holds no entity state between calls; every operation reads
// the array from the store and writes it back.
type Repository struct {
	store Store
	key   string
}

// Repositories is the explicit per-key repository registry, parameterized
// by the storage collaborator. Earlier incarnations cached repository
// instances in hidden module-level state; the registry's lifetime is now
// scoped to whoever constructs it.
type Repositories struct {
	store Store

	mu    sync.Mutex
	cache map[string]*Repository
}

// NewRepositories creates a registry over the given store.
func NewRepositories(store Store) *Repositories {
	return &Repositories{store: store, cache: make(map[string]*Repository)}
}

// For returns the repository for an entity key, creating it on first use.
func (r *Repositories) For(key string) *Repository {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.cache[key]
	if !ok {
		repo = &Repository{store: r.store, key: key}
		r.cache[key] = repo
	}
	return repo
}

// PageOptions bounds a List call. Limit <= 0 means no limit.
type PageOptions struct {
	Offset int
	Limit  int
}

func (r *Repository) load(ctx context.Context) (tree.Array, reconcile.Class, error) {
	v, err := GetOrNil(ctx, r.store, r.key)
	if err != nil {
		return nil, reconcile.Scalar, err
	}
	if v == nil {
		return tree.Array{}, reconcile.Class{Entity: true, IDField: "id"}, nil
	}

	arr, ok := v.(tree.Array)
	if !ok {
		return nil, reconcile.Scalar, fmt.Errorf("key %q does not hold an entity array", r.key)
	}

	class := reconcile.Classify(arr)
	if !class.Entity {
		return nil, reconcile.Scalar, fmt.Errorf("key %q does not hold an entity array", r.key)
	}
	if class.IDField == "" {
		class.IDField = "id"
	}
	return arr, class, nil
}

func (r *Repository) save(ctx context.Context, arr tree.Array) error {
	return r.store.Set(ctx, r.key, arr)
}

// List returns a page of entities and the total count.
func (r *Repository) List(ctx context.Context, page PageOptions) ([]tree.Value, int, error) {
	arr, _, err := r.load(ctx)
	if err != nil {
		return nil, 0, err
	}

	total := len(arr)
	start := page.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}

	out := make([]tree.Value, end-start)
	copy(out, arr[start:end])
	return out, total, nil
}

// Create appends a new entity. The entity must carry an id the key does not
// already contain.
func (r *Repository) Create(ctx context.Context, item tree.Value) error {
	arr, class, err := r.load(ctx)
	if err != nil {
		return err
	}

	id, ok := reconcile.EntityID(item, class.IDField)
	if !ok {
		return fmt.Errorf("create in %q: entity has no %q field", r.key, class.IDField)
	}
	for _, existing := range arr {
		if existingID, has := reconcile.EntityID(existing, class.IDField); has && existingID == id {
			return fmt.Errorf("create in %q: id %q already exists", r.key, id)
		}
	}

	return r.save(ctx, append(arr, item))
}

// Update replaces the entity with the given id.
func (r *Repository) Update(ctx context.Context, id string, item tree.Value) error {
	arr, class, err := r.load(ctx)
	if err != nil {
		return err
	}

	for i, existing := range arr {
		existingID, has := reconcile.EntityID(existing, class.IDField)
		if has && existingID == id {
			updated := make(tree.Array, len(arr))
			copy(updated, arr)
			updated[i] = item
			return r.save(ctx, updated)
		}
	}
	return fmt.Errorf("update in %q: id %q not found", r.key, id)
}

// RemoveBulk deletes all entities whose id is in ids, returning how many
// were removed. Missing ids are not an error.
func (r *Repository) RemoveBulk(ctx context.Context, ids []string) (int, error) {
	arr, class, err := r.load(ctx)
	if err != nil {
		return 0, err
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := make(tree.Array, 0, len(arr))
	removed := 0
	for _, entity := range arr {
		if id, has := reconcile.EntityID(entity, class.IDField); has && drop[id] {
			removed++
			continue
		}
		kept = append(kept, entity)
	}

	if removed == 0 {
		return 0, nil
	}
	return removed, r.save(ctx, kept)
}
