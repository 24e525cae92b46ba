package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwmanager/fleetdata/internal/tree"
)

func TestParse_FullBundleShape(t *testing.T) {
	raw := []byte(`{
		"meta": {"appId": "wwwmanager", "formatVersion": 3, "createdAt": "2026-05-01T10:00:00Z", "appVersion": "2.4.0"},
		"data": {"wb:vehicles": [{"id": "v1", "plateNumber": "A100"}]}
	}`)

	b, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "wwwmanager", b.Meta.AppID)
	assert.Equal(t, 3, b.Meta.FormatVersion)
	assert.Equal(t, "2.4.0", b.Meta.AppVersion)
	require.Contains(t, b.Data, "wb:vehicles")
}

func TestParse_BareExportWrapped(t *testing.T) {
	raw := []byte(`{"vehicles": [{"id": "v1"}], "settings": {"locale": "ru"}}`)

	b, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, 1, b.Meta.FormatVersion)
	assert.Equal(t, AppID, b.Meta.AppID)
	assert.Contains(t, b.Data, "vehicles")
	assert.Contains(t, b.Data, "settings")
}

func TestParse_MissingFormatVersionDefaultsTo1(t *testing.T) {
	raw := []byte(`{"meta": {"appId": "x", "createdAt": "2026-01-01T00:00:00Z"}, "data": {}}`)

	b, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Meta.FormatVersion)
}

func TestParse_NonNumericFormatVersionDefaultsTo1(t *testing.T) {
	raw := []byte(`{"meta": {"formatVersion": "three"}, "data": {}}`)

	b, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Meta.FormatVersion)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"meta": `))

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParse_NonObjectRoot(t *testing.T) {
	for _, raw := range []string{`[1,2,3]`, `"text"`, `42`, `null`} {
		_, err := Parse([]byte(raw))
		var perr *ParseError
		assert.ErrorAs(t, err, &perr, "input %s", raw)
	}
}

func TestToBundle_CopiesDataDefensively(t *testing.T) {
	parsed := tree.MustFromJSON(`{"meta": {"formatVersion": 3}, "data": {"wb:routes": []}}`)

	b, err := ToBundle(parsed)
	require.NoError(t, err)

	// Mutating the bundle's data map must not affect a second normalization
	b.Data["wb:extra"] = tree.Bool(true)

	b2, err := ToBundle(parsed)
	require.NoError(t, err)
	assert.NotContains(t, b2.Data, "wb:extra")
}

func TestNew_StampsSortedKeys(t *testing.T) {
	b := New("2.4.0", map[string]tree.Value{
		"wb:vehicles": tree.Array{},
		"wb:drivers":  tree.Array{},
	})

	assert.Equal(t, CurrentFormatVersion, b.Meta.FormatVersion)
	assert.Equal(t, []string{"wb:drivers", "wb:vehicles"}, b.Meta.Keys)
	assert.NotEmpty(t, b.Meta.CreatedAt)
}

func TestEncode_ParsesBackIdentically(t *testing.T) {
	b := New("2.4.0", map[string]tree.Value{
		"wb:vehicles": tree.MustFromJSON(`[{"id":"v1","plateNumber":"A100"}]`),
		"wb:settings": tree.MustFromJSON(`{"locale":"ru","odometerUnit":"km"}`),
	})

	encoded, err := b.Encode()
	require.NoError(t, err)

	back, err := Parse(encoded)
	require.NoError(t, err)

	assert.Equal(t, b.Meta.FormatVersion, back.Meta.FormatVersion)
	assert.Equal(t, b.Meta.Keys, back.Meta.Keys)
	for k, v := range b.Data {
		require.Contains(t, back.Data, k)
		assert.True(t, tree.Equal(v, back.Data[k]), "key %s changed across encode/parse", k)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	b := New("2.4.0", map[string]tree.Value{
		"wb:vehicles": tree.MustFromJSON(`[{"id":"v1"}]`),
		"wb:routes":   tree.MustFromJSON(`[{"id":"r1"}]`),
	})

	first, err := b.Encode()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := b.Encode()
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}
