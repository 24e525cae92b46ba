package bundle

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/wwwmanager/fleetdata/internal/tree"
)

// AppID identifies bundles produced by this application.
const AppID = "wwwmanager"

// Meta describes an export bundle. Keys and Summary are advisory; the
// authoritative key set is the Data map itself.
type Meta struct {
	AppID         string   `json:"appId"`
	FormatVersion int      `json:"formatVersion"`
	CreatedAt     string   `json:"createdAt"`
	AppVersion    string   `json:"appVersion,omitempty"`
	Locale        string   `json:"locale,omitempty"`
	Keys          []string `json:"keys,omitempty"`
	Summary       string   `json:"summary,omitempty"`
}

// Bundle is the canonical versioned container of exported key->value data.
// FormatVersion only ever advances, and only through ApplyMigrations.
type Bundle struct {
	Meta Meta
	Data map[string]tree.Value
}

// ParseError indicates malformed JSON or a value that cannot form a bundle.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse bundle: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse bundle: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes raw export bytes and normalizes them into a Bundle.
func Parse(raw []byte) (*Bundle, error) {
	v, err := tree.FromJSON(bytes.TrimSpace(raw))
	if err != nil {
		return nil, &ParseError{Reason: "invalid JSON", Err: err}
	}
	return ToBundle(v)
}

// ToBundle normalizes an arbitrary parsed value into a Bundle.
//
// A value that already has the meta+data shape keeps its metadata, with
// FormatVersion defaulting to 1 when absent or non-numeric. Any other
// top-level object is treated as a bare key->value export and wrapped under
// a synthetic meta at version 1. Non-object input cannot form a key map and
// is rejected.
func ToBundle(parsed tree.Value) (*Bundle, error) {
	obj, ok := parsed.(tree.Object)
	if !ok {
		return nil, &ParseError{Reason: "bundle root must be a JSON object"}
	}

	metaV, hasMeta := obj["meta"]
	dataV, hasData := obj["data"]
	if hasMeta && hasData {
		metaObj, metaOK := metaV.(tree.Object)
		dataObj, dataOK := dataV.(tree.Object)
		if metaOK && dataOK {
			b := &Bundle{
				Meta: metaFromObject(metaObj),
				Data: copyData(dataObj),
			}
			return b, nil
		}
	}

	// Bare export: the object itself is the data map.
	return &Bundle{
		Meta: Meta{
			AppID:         AppID,
			FormatVersion: 1,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
			Summary:       "wrapped legacy export",
		},
		Data: copyData(obj),
	}, nil
}

// metaFromObject copies metadata fields defensively, ignoring anything with
// an unexpected type rather than failing the whole import.
func metaFromObject(m tree.Object) Meta {
	meta := Meta{
		AppID:         stringField(m, "appId"),
		FormatVersion: 1,
		CreatedAt:     stringField(m, "createdAt"),
		AppVersion:    stringField(m, "appVersion"),
		Locale:        stringField(m, "locale"),
		Summary:       stringField(m, "summary"),
	}

	if n, ok := m["formatVersion"].(tree.Number); ok {
		if i, intOK := n.Int64(); intOK && i > 0 {
			meta.FormatVersion = int(i)
		}
	}

	if keys, ok := m["keys"].(tree.Array); ok {
		for _, k := range keys {
			if s, sOK := k.(tree.String); sOK {
				meta.Keys = append(meta.Keys, string(s))
			}
		}
	}

	return meta
}

func stringField(m tree.Object, key string) string {
	if s, ok := m[key].(tree.String); ok {
		return string(s)
	}
	return ""
}

func copyData(data tree.Object) map[string]tree.Value {
	out := make(map[string]tree.Value, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// New builds a current-format bundle around the given data, stamping
// creation time and the sorted key list into the metadata.
func New(appVersion string, data map[string]tree.Value) *Bundle {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	// Deterministic key listing; tree.Object sorting covers serialization,
	// this covers Meta.Keys.
	slices.Sort(keys)

	return &Bundle{
		Meta: Meta{
			AppID:         AppID,
			FormatVersion: CurrentFormatVersion,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
			AppVersion:    appVersion,
			Keys:          keys,
		},
		Data: data,
	}
}

// Encode serializes a bundle to JSON with deterministic ordering.
func (b *Bundle) Encode() ([]byte, error) {
	dataObj := make(tree.Object, len(b.Data))
	for k, v := range b.Data {
		dataObj[k] = v
	}

	metaObj := tree.Object{
		"appId":         tree.String(b.Meta.AppID),
		"formatVersion": tree.Number(fmt.Sprintf("%d", b.Meta.FormatVersion)),
		"createdAt":     tree.String(b.Meta.CreatedAt),
	}
	if b.Meta.AppVersion != "" {
		metaObj["appVersion"] = tree.String(b.Meta.AppVersion)
	}
	if b.Meta.Locale != "" {
		metaObj["locale"] = tree.String(b.Meta.Locale)
	}
	if b.Meta.Summary != "" {
		metaObj["summary"] = tree.String(b.Meta.Summary)
	}
	if len(b.Meta.Keys) > 0 {
		keys := make(tree.Array, len(b.Meta.Keys))
		for i, k := range b.Meta.Keys {
			keys[i] = tree.String(k)
		}
		metaObj["keys"] = keys
	}

	root := tree.Object{"meta": metaObj, "data": dataObj}
	return tree.ToJSON(root)
}
