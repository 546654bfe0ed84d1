// ABOUTME: Operator-supplied run plan (plan.yaml): the query, limits, and initial perspectives.
// ABOUTME: Parses with yaml.v3 and fills defaults so `init --query` alone yields a workable run.
package conductor

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PlanPerspective is one research angle declared in the plan.
type PlanPerspective struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Focus string `yaml:"focus"`
	Wave  int    `yaml:"wave"`
}

// Plan is the operator-facing run description. It is copied into the run
// root at init and never consulted again; the manifest is the live state.
type Plan struct {
	Query        string            `yaml:"query"`
	Limits       PlanLimits        `yaml:"limits"`
	Perspectives []PlanPerspective `yaml:"perspectives"`
}

// PlanLimits mirrors the manifest limits block.
type PlanLimits struct {
	MaxWaves        int `yaml:"max_waves"`
	MaxPerspectives int `yaml:"max_perspectives"`
}

// ParsePlan decodes a plan from YAML bytes and applies defaults.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, Wrap(CodeInvalidArgs, err, "parse plan yaml")
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPlanFile reads and parses a plan.yaml from disk.
func LoadPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return ParsePlan(data)
}

// DefaultPlan builds a plan for a bare query with a small standard set of
// perspectives spread over two waves.
func DefaultPlan(query string) *Plan {
	p := &Plan{
		Query: query,
		Perspectives: []PlanPerspective{
			{ID: "landscape", Title: "Current landscape", Focus: "survey the established facts and major positions", Wave: 1},
			{ID: "evidence", Title: "Primary evidence", Focus: "locate and assess primary sources and data", Wave: 1},
			{ID: "counterpoint", Title: "Counterpoints", Focus: "strongest objections and contrary findings", Wave: 2},
		},
	}
	// normalize cannot fail on the built-in set
	_ = p.normalize()
	return p
}

// normalize fills defaults and validates the plan shape.
func (p *Plan) normalize() error {
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return Errf(CodeInvalidArgs, "plan has no query")
	}
	if p.Limits.MaxWaves == 0 {
		p.Limits.MaxWaves = 3
	}
	if p.Limits.MaxPerspectives == 0 {
		p.Limits.MaxPerspectives = 8
	}
	if len(p.Perspectives) > p.Limits.MaxPerspectives {
		return Errf(CodeInvalidArgs, "plan declares %d perspectives, limit is %d",
			len(p.Perspectives), p.Limits.MaxPerspectives)
	}

	seen := map[string]bool{}
	for i := range p.Perspectives {
		pp := &p.Perspectives[i]
		pp.ID = strings.TrimSpace(pp.ID)
		if pp.ID == "" {
			return Errf(CodeInvalidArgs, "perspective %d has no id", i)
		}
		if strings.ContainsAny(pp.ID, "/\\ ") {
			return Errf(CodeInvalidArgs, "perspective id %q must be a plain path segment", pp.ID)
		}
		if seen[pp.ID] {
			return Errf(CodeInvalidArgs, "duplicate perspective id %q", pp.ID)
		}
		seen[pp.ID] = true
		if pp.Wave <= 0 {
			pp.Wave = 1
		}
		if pp.Wave > p.Limits.MaxWaves {
			return Errf(CodeInvalidArgs, "perspective %q wave %d exceeds max_waves %d",
				pp.ID, pp.Wave, p.Limits.MaxWaves)
		}
		if pp.Title == "" {
			pp.Title = pp.ID
		}
	}
	return nil
}

// Marshal renders the plan back to YAML for the run-root copy.
func (p *Plan) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
