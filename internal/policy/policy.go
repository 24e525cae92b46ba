package policy

import (
	"fmt"

	"github.com/wwwmanager/fleetdata/internal/reconcile"
)

// Policy decides which bundle keys an import session may touch and which
// update modes the operator may pick. A Policy is fixed for the lifetime of
// one import session; sessions never mutate it.
type Policy struct {
	// Name identifies the policy in logs and audit records.
	Name string

	// AllowCategories restricts importable categories. nil means all.
	AllowCategories []Category

	// DenyKeys lists keys that can never be imported under this policy.
	DenyKeys map[string]bool

	// AllowUnknownKeys permits keys outside the known-key registry.
	AllowUnknownKeys bool

	// AllowedModes lists the update modes the operator may select.
	AllowedModes []reconcile.Mode

	// AllowDeleteMissing permits the delete-missing flag on rows.
	AllowDeleteMissing bool
}

// Violation explains why a row was excluded by policy. It is advisory, not
// an error: an excluded row is simply disabled in the import preview.
type Violation struct {
	Key    string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy excludes %q: %s", v.Key, v.Reason)
}

// Operator is the unrestricted preset: everything importable except the
// core's own bookkeeping keys.
func Operator() *Policy {
	return &Policy{
		Name:             "operator",
		AllowCategories:  nil,
		DenyKeys:         map[string]bool{},
		AllowUnknownKeys: true,
		AllowedModes: []reconcile.Mode{
			reconcile.ModeMerge, reconcile.ModeOverwrite, reconcile.ModeSkip,
		},
		AllowDeleteMissing: true,
	}
}

// EndUser is the restricted preset: documents only, non-destructive modes,
// no delete-missing.
func EndUser() *Policy {
	return &Policy{
		Name:             "enduser",
		AllowCategories:  []Category{CategoryDocs},
		DenyKeys:         map[string]bool{},
		AllowUnknownKeys: false,
		AllowedModes: []reconcile.Mode{
			reconcile.ModeMerge, reconcile.ModeSkip,
		},
		AllowDeleteMissing: false,
	}
}

// RowAllowed gates whether a row may be enabled under this policy.
// The result does not filter sub-item selection; it only controls the
// row-level enabled flag.
func (p *Policy) RowAllowed(key string, category Category, known bool) (bool, *Violation) {
	if p.DenyKeys[key] {
		return false, &Violation{Key: key, Reason: "key is on the deny list"}
	}

	if p.AllowCategories != nil {
		permitted := false
		for _, c := range p.AllowCategories {
			if c == category {
				permitted = true
				break
			}
		}
		if !permitted {
			return false, &Violation{Key: key, Reason: fmt.Sprintf("category %q not allowed", category)}
		}
	}

	if !known && !p.AllowUnknownKeys {
		return false, &Violation{Key: key, Reason: "unknown keys not allowed"}
	}

	return true, nil
}

// ModeAllowed reports whether the operator may select the given mode.
func (p *Policy) ModeAllowed(m reconcile.Mode) bool {
	for _, allowed := range p.AllowedModes {
		if allowed == m {
			return true
		}
	}
	return false
}

// DefaultMode picks the default update mode for new rows: merge when
// allowed, else overwrite, else skip.
func (p *Policy) DefaultMode() reconcile.Mode {
	for _, preferred := range []reconcile.Mode{reconcile.ModeMerge, reconcile.ModeOverwrite, reconcile.ModeSkip} {
		if p.ModeAllowed(preferred) {
			return preferred
		}
	}
	return reconcile.ModeSkip
}
