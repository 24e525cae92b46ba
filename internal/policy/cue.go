package policy

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/wwwmanager/fleetdata/internal/reconcile"
)

// policySchema constrains operator-authored policy files. Defaults mirror
// the end-user preset: anything not explicitly opened up stays restricted.
const policySchema = `
#Policy: {
	name: string & !=""
	allowCategories?: [...("docs" | "dict" | "other" | "unknown")]
	denyKeys: [...string] | *[]
	allowUnknownKeys: bool | *false
	allowedModes: [...("merge" | "overwrite" | "skip")] | *["merge", "skip"]
	allowDeleteMissing: bool | *false
}
`

// policyFile is the decoded shape of a validated policy document.
type policyFile struct {
	Name               string   `json:"name"`
	AllowCategories    []string `json:"allowCategories"`
	DenyKeys           []string `json:"denyKeys"`
	AllowUnknownKeys   bool     `json:"allowUnknownKeys"`
	AllowedModes       []string `json:"allowedModes"`
	AllowDeleteMissing bool     `json:"allowDeleteMissing"`
}

// LoadFile reads a CUE policy definition, validates it against the embedded
// schema (filling defaults), and converts it to a Policy.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return loadSource(path, data)
}

func loadSource(filename string, src []byte) (*Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(policySchema, cue.Filename("policy-schema.cue"))
	if schema.Err() != nil {
		return nil, fmt.Errorf("internal policy schema: %w", schema.Err())
	}

	val := ctx.CompileBytes(src, cue.Filename(filename))
	if val.Err() != nil {
		return nil, fmt.Errorf("compile policy %s: %s", filename, cueErrorDetail(val.Err()))
	}

	def := schema.LookupPath(cue.ParsePath("#Policy"))
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return nil, fmt.Errorf("validate policy %s: %s", filename, cueErrorDetail(err))
	}

	var pf policyFile
	if err := unified.Decode(&pf); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", filename, err)
	}

	return pf.toPolicy()
}

// cueErrorDetail flattens CUE's error list into one readable line per error.
func cueErrorDetail(err error) string {
	var out string
	for i, e := range cueerrors.Errors(err) {
		if i > 0 {
			out += "; "
		}
		out += e.Error()
	}
	if out == "" {
		out = err.Error()
	}
	return out
}

func (pf *policyFile) toPolicy() (*Policy, error) {
	p := &Policy{
		Name:               pf.Name,
		DenyKeys:           make(map[string]bool, len(pf.DenyKeys)),
		AllowUnknownKeys:   pf.AllowUnknownKeys,
		AllowDeleteMissing: pf.AllowDeleteMissing,
	}

	for _, k := range pf.DenyKeys {
		p.DenyKeys[k] = true
	}

	if pf.AllowCategories != nil {
		p.AllowCategories = make([]Category, 0, len(pf.AllowCategories))
		for _, c := range pf.AllowCategories {
			p.AllowCategories = append(p.AllowCategories, Category(c))
		}
	}

	if len(pf.AllowedModes) == 0 {
		return nil, fmt.Errorf("policy %q allows no update modes", pf.Name)
	}
	for _, m := range pf.AllowedModes {
		p.AllowedModes = append(p.AllowedModes, reconcile.Mode(m))
	}

	return p, nil
}
