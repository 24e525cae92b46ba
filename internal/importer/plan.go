package importer

import (
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/wwwmanager/fleetdata/internal/reconcile"
)

// Plan is the file form of an operator's review: which rows to apply, with
// what mode, and which entities to leave out. Plans reference rows by key
// and entities by id, so a plan written against one analysis can be reused
// against a fresh analysis of the same bundle.
type Plan struct {
	Source PlanSource `yaml:"source"`
	Rows   []PlanRow  `yaml:"rows"`
}

// PlanSource records where the plan came from, for the reviewer's benefit.
// It is not validated against the bundle on apply.
type PlanSource struct {
	AppVersion    string `yaml:"appVersion,omitempty"`
	CreatedAt     string `yaml:"createdAt,omitempty"`
	FormatVersion int    `yaml:"formatVersion"`
}

// PlanRow mirrors the editable part of one analysis row.
type PlanRow struct {
	Key           string   `yaml:"key"`
	Enabled       bool     `yaml:"enabled"`
	Mode          string   `yaml:"mode,omitempty"`
	InsertNew     bool     `yaml:"insertNew"`
	DeleteMissing bool     `yaml:"deleteMissing,omitempty"`
	Deselect      []string `yaml:"deselect,omitempty"` // entity ids excluded from this row
}

// PlanFromAnalysis captures the analysis defaults as an editable plan.
func PlanFromAnalysis(a *Analysis) *Plan {
	p := &Plan{
		Source: PlanSource{
			AppVersion:    a.Bundle.Meta.AppVersion,
			CreatedAt:     a.Bundle.Meta.CreatedAt,
			FormatVersion: a.Bundle.Meta.FormatVersion,
		},
	}
	for _, row := range a.Rows {
		pr := PlanRow{
			Key:           row.Key,
			Enabled:       row.Action.Enabled,
			Mode:          string(row.Action.UpdateMode),
			InsertNew:     row.Action.InsertNew,
			DeleteMissing: row.Action.DeleteMissing,
		}
		for _, si := range row.SubItems {
			if !si.Selected {
				pr.Deselect = append(pr.Deselect, si.ID)
			}
		}
		p.Rows = append(p.Rows, pr)
	}
	return p
}

// Marshal renders the plan as YAML.
func (p *Plan) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// UnmarshalPlan parses a YAML plan file.
func UnmarshalPlan(raw []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse import plan: %w", err)
	}
	return &p, nil
}

// ApplyPlan rewrites the analysis actions and selections from the plan.
// Plan rows naming keys absent from the analysis are an error, as is an
// unknown mode. Deselected ids that no longer exist are ignored.
func (a *Analysis) ApplyPlan(p *Plan) error {
	for _, pr := range p.Rows {
		row := a.Row(pr.Key)
		if row == nil {
			return fmt.Errorf("plan references unknown key %q", pr.Key)
		}

		mode := row.Action.UpdateMode
		if pr.Mode != "" {
			mode = reconcile.Mode(pr.Mode)
			if !slices.Contains(reconcile.ValidModes, mode) {
				return fmt.Errorf("plan key %q: unknown mode %q", pr.Key, pr.Mode)
			}
		}

		row.Action = Action{
			Enabled:       pr.Enabled,
			InsertNew:     pr.InsertNew,
			UpdateMode:    mode,
			DeleteMissing: pr.DeleteMissing,
		}
		for i := range row.SubItems {
			row.SubItems[i].Selected = !slices.Contains(pr.Deselect, row.SubItems[i].ID)
		}
	}
	return nil
}
