// Package workflow resolves the ordered phase plan a batch must pass
// through from the product configuration. Resolution is pure: the same
// product always yields the same plan, and conditional phases are
// omitted from the result rather than carried as skipped entries.
package workflow

import (
	"fmt"
	"sync"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"pharmaline/internal/domain"
)

// ConfigurationError indicates bad or missing product template data.
// It is fatal for the command that raised it; callers do not retry.
type ConfigurationError struct {
	Detail string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("workflow configuration: %s", e.Detail)
}

// templateEntry is a template row before per-product materialization.
type templateEntry struct {
	name        string
	machineType string
	condition   string
	qcRequired  bool
	rollbackTo  string
}

// Base sequences per product type. QC checkpoints are expressed as
// qc_required on the phase they follow; coating and the packing split
// are conditions over the product attributes.
var templates = map[string][]templateEntry{
	domain.ProductOintment: {
		{name: "raw_material_release"},
		{name: "material_dispensing"},
		{name: "mixing", machineType: "mixing", qcRequired: true},
		{name: "tube_filling", machineType: "tube_filling"},
		{name: "packaging_material_release"},
		{name: "secondary_packaging"},
		{name: "final_qa"},
		{name: "finished_goods_store"},
	},
	domain.ProductTablet: {
		{name: "raw_material_release"},
		{name: "material_dispensing"},
		{name: "granulation", machineType: "granulation"},
		{name: "blending", machineType: "blending"},
		{name: "compression", machineType: "compression", qcRequired: true},
		{name: "sorting"},
		{name: "coating", machineType: "coating", condition: "coated"},
		{name: "packaging_material_release"},
		{name: "blister_packing", machineType: "blister_packing", condition: `tablet_type == "normal"`},
		{name: "bulk_packing", condition: `tablet_type == "tablet_2"`},
		{name: "secondary_packaging"},
		{name: "final_qa"},
		{name: "finished_goods_store"},
	},
	domain.ProductCapsule: {
		{name: "raw_material_release"},
		{name: "material_dispensing"},
		{name: "drying", machineType: "drying"},
		{name: "blending", machineType: "blending", qcRequired: true},
		{name: "filling", machineType: "filling"},
		{name: "sorting"},
		{name: "packaging_material_release"},
		{name: "blister_packing", machineType: "blister_packing"},
		{name: "secondary_packaging"},
		{name: "final_qa"},
		{name: "finished_goods_store"},
	},
}

// Resolve materializes the ordered phase plan for a product. Conditional
// phases whose condition evaluates false are omitted entirely.
func Resolve(p domain.Product) ([]domain.PhaseDefinition, error) {
	entries, ok := templates[p.Type]
	if !ok {
		return nil, ConfigurationError{Detail: fmt.Sprintf("unknown product type %q", p.Type)}
	}
	if p.Type == domain.ProductTablet {
		switch p.TabletType {
		case domain.TabletNormal, domain.TabletType2:
		case "":
			return nil, ConfigurationError{Detail: "tablet product missing tablet_type"}
		default:
			return nil, ConfigurationError{Detail: fmt.Sprintf("unknown tablet_type %q", p.TabletType)}
		}
	}
	env := conditionEnv(p)
	plan := make([]domain.PhaseDefinition, 0, len(entries))
	pos := 1
	for _, e := range entries {
		if e.condition != "" {
			keep, err := evalCondition(e.condition, env)
			if err != nil {
				return nil, ConfigurationError{Detail: fmt.Sprintf("phase %s condition: %v", e.name, err)}
			}
			if !keep {
				continue
			}
		}
		plan = append(plan, domain.PhaseDefinition{
			Position:    pos,
			Name:        e.name,
			MachineType: e.machineType,
			Condition:   e.condition,
			QCRequired:  e.qcRequired,
			RollbackTo:  e.rollbackTo,
		})
		pos++
	}
	return plan, nil
}

func conditionEnv(p domain.Product) map[string]any {
	return map[string]any{
		"type":        p.Type,
		"tablet_type": p.TabletType,
		"coated":      p.Coated,
	}
}

var (
	programMu    sync.Mutex
	programCache = map[string]*vm.Program{}
)

func evalCondition(src string, env map[string]any) (bool, error) {
	programMu.Lock()
	prog, ok := programCache[src]
	if !ok {
		var err error
		prog, err = expr.Compile(src, expr.Env(env), expr.AsBool())
		if err != nil {
			programMu.Unlock()
			return false, err
		}
		programCache[src] = prog
	}
	programMu.Unlock()
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q is not boolean", src)
	}
	return b, nil
}
