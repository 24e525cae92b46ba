package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwmanager/fleetdata/internal/audit"
	"github.com/wwwmanager/fleetdata/internal/importer"
	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

// run executes the CLI against a database path and returns stdout.
func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--db", db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeBundleFile(t *testing.T, dir, data string) string {
	t.Helper()
	path := filepath.Join(dir, "bundle.json")
	raw := `{"meta": {"appId": "wwwmanager", "formatVersion": 3, "createdAt": "2026-05-01T10:00:00Z", "appVersion": "2.4.0"}, "data": ` + data + `}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	return path
}

func TestImportApplyThenAuditAndLock(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "fleet.db")
	bundlePath := writeBundleFile(t, dir, `{
		"wb:waybills": [{"id": "w1", "number": "WB-1", "date": "2026-03-10", "status": "closed"}],
		"wb:vehicles": [{"id": "v1", "plateNumber": "AB-100"}]
	}`)

	out, err := run(t, db, "import", "apply", bundlePath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "applied 2 keys")

	out, err = run(t, db, "audit", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "items=2")

	out, err = run(t, db, "--format", "json", "audit", "list")
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	out, err = run(t, db, "lock", "close", "2026-03", "--user", "tester")
	require.NoError(t, err, out)
	assert.Contains(t, out, "locked 2026-03: 1 documents")

	// Find the lock id and verify it.
	store, err := kv.Open(db)
	require.NoError(t, err)
	locksVal, err := store.Get(context.Background(), "wb:sys:periodLocks")
	require.NoError(t, err)
	locks := locksVal.(tree.Array)
	require.Len(t, locks, 1)
	lockID := string(locks[0].(tree.Object)["id"].(tree.String))
	require.NoError(t, store.Close())

	out, err = run(t, db, "lock", "verify", lockID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "intact")
}

func TestLockVerifyFailsAfterEdit(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "fleet.db")
	bundlePath := writeBundleFile(t, dir, `{
		"wb:waybills": [{"id": "w1", "number": "WB-1", "date": "2026-03-10", "status": "closed"}]
	}`)

	_, err := run(t, db, "import", "apply", bundlePath)
	require.NoError(t, err)
	out, err := run(t, db, "lock", "close", "2026-03")
	require.NoError(t, err, out)

	store, err := kv.Open(db)
	require.NoError(t, err)
	locksVal, err := store.Get(context.Background(), "wb:sys:periodLocks")
	require.NoError(t, err)
	lockID := string(locksVal.(tree.Array)[0].(tree.Object)["id"].(tree.String))
	require.NoError(t, store.Set(context.Background(), "wb:waybills",
		tree.MustFromJSON(`[{"id": "w1", "number": "WB-1-EDITED", "date": "2026-03-10", "status": "closed"}]`)))
	require.NoError(t, store.Close())

	out, err = run(t, db, "lock", "verify", lockID)
	require.Error(t, err)
	assert.Contains(t, out, "COMPROMISED")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestAuditRollbackUndoesImport(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "fleet.db")
	first := writeBundleFile(t, dir, `{"wb:vehicles": [{"id": "v1", "plateNumber": "AB-100"}]}`)

	_, err := run(t, db, "import", "apply", first)
	require.NoError(t, err)

	second := filepath.Join(dir, "second.json")
	require.NoError(t, os.WriteFile(second, []byte(
		`{"meta": {"appId": "wwwmanager", "formatVersion": 3}, "data": {"wb:vehicles": [{"id": "v1", "plateNumber": "XX-999"}]}}`), 0o644))
	_, err = run(t, db, "import", "apply", second)
	require.NoError(t, err)

	// The second import is the newest event.
	store, err := kv.Open(db)
	require.NoError(t, err)
	log := audit.NewLog(store, audit.Config{})
	headers, err := log.Index(context.Background())
	require.NoError(t, err)
	require.Len(t, headers, 2)
	eventID := headers[0].ID
	require.NoError(t, store.Close())

	out, err := run(t, db, "audit", "rollback", eventID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "succeeded")

	store, err = kv.Open(db)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(context.Background(), "wb:vehicles")
	require.NoError(t, err)
	want := tree.MustFromJSON(`[{"id": "v1", "plateNumber": "AB-100"}]`)
	assert.True(t, tree.Equal(want, got))

	// Rollback appended its own record and flagged the source items.
	log = audit.NewLog(store, audit.Config{})
	headers, err = log.Index(context.Background())
	require.NoError(t, err)
	require.Len(t, headers, 3)
	items, err := log.LoadItems(context.Background(), mustHeader(t, headers, eventID))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].RolledBack)
}

func mustHeader(t *testing.T, headers []audit.EventHeader, id string) audit.EventHeader {
	t.Helper()
	for _, h := range headers {
		if h.ID == id {
			return h
		}
	}
	t.Fatalf("header %s not found", id)
	return audit.EventHeader{}
}

func TestExportWritesBundle(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "fleet.db")
	bundlePath := writeBundleFile(t, dir, `{"wb:drivers": [{"id": "d1", "name": "Ada"}]}`)
	_, err := run(t, db, "import", "apply", bundlePath)
	require.NoError(t, err)

	outFile := filepath.Join(dir, "out.json")
	out, err := run(t, db, "export", "-o", outFile)
	require.NoError(t, err, out)

	raw, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"wb:drivers"`)
	assert.NotContains(t, string(raw), "wb:sys:", "internal keys never exported")
}

func TestListCommandPagesEntities(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "fleet.db")
	bundlePath := writeBundleFile(t, dir, `{
		"wb:settings": {"theme": "dark"},
		"wb:vehicles": [{"id": "v1", "plateNumber": "AB-100"}, {"id": "v2", "plateNumber": "CD-200"}, {"id": "v3", "plateNumber": "EF-300"}]
	}`)
	_, err := run(t, db, "import", "apply", bundlePath)
	require.NoError(t, err)

	out, err := run(t, db, "list", "wb:vehicles")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"v1"`)
	assert.Contains(t, out, `"v3"`)
	assert.Contains(t, out, "3 of 3 entities")

	out, err = run(t, db, "--format", "json", "list", "wb:vehicles", "--offset", "1", "--limit", "1")
	require.NoError(t, err, out)
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Total    int               `json:"total"`
			Entities []json.RawMessage `json:"entities"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data.Total)
	require.Len(t, resp.Data.Entities, 1)
	entity, err := tree.FromJSON(resp.Data.Entities[0])
	require.NoError(t, err)
	assert.Equal(t, tree.String("v2"), entity.(tree.Object)["id"])

	// Scalar keys are not listable.
	_, err = run(t, db, "list", "wb:settings")
	require.Error(t, err)
}

func TestAnalyzeTextOutputGolden(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, store.Set(context.Background(), "wb:vehicles",
		tree.MustFromJSON(`[{"id": "v1", "plateNumber": "AB-100"}]`)))

	imp := importer.New(importer.Config{
		Store: store,
		Log:   audit.NewLog(store, audit.Config{}),
	})
	analysis, err := imp.Analyze(context.Background(), []byte(
		`{"meta": {"appId": "wwwmanager", "formatVersion": 3}, "data": {
			"wb:settings": {"theme": "dark"},
			"wb:vehicles": [{"id": "v1", "plateNumber": "AB-200"}, {"id": "v2", "plateNumber": "CD-300"}]
		}}`))
	require.NoError(t, err)

	var buf bytes.Buffer
	printAnalysis(&OutputFormatter{Format: "text", Writer: &buf}, analysis)

	g := goldie.New(t)
	g.Assert(t, "analyze_text", buf.Bytes())
}
