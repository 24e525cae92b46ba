// Package tree defines the value representation shared by the import,
// reconciliation, audit, and integrity subsystems.
//
// A Value is one of Null, String, Number, Bool, Array, or Object (sealed
// interface). Raw JSON from export bundles and from the key-value backend is
// decoded into this form once, at the boundary, and every algorithm
// downstream — structural merge, diff classification, snapshotting,
// canonical hashing — works on the tagged representation instead of
// re-inspecting map[string]any shapes ad hoc.
//
// Two serializations exist and must not be confused:
//
//   - ToJSON: stable storage form (canonical key order, preserved number
//     literals). Used for persisting values and snapshots.
//   - MarshalCanonical: RFC 8785-style canonical form (UTF-16 key order,
//     NFC-normalized strings, no HTML escaping). Used ONLY for content
//     hashing via HashWithDomain.
package tree
