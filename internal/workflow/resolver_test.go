package workflow_test

import (
	"errors"
	"reflect"
	"testing"

	"pharmaline/internal/domain"
	"pharmaline/internal/workflow"
)

func names(plan []domain.PhaseDefinition) []string {
	out := make([]string, len(plan))
	for i, def := range plan {
		out[i] = def.Name
	}
	return out
}

func TestResolveOintment(t *testing.T) {
	plan, err := workflow.Resolve(domain.Product{Type: domain.ProductOintment})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{
		"raw_material_release", "material_dispensing", "mixing", "tube_filling",
		"packaging_material_release", "secondary_packaging", "final_qa", "finished_goods_store",
	}
	if !reflect.DeepEqual(names(plan), want) {
		t.Fatalf("plan %v, want %v", names(plan), want)
	}
	for i, def := range plan {
		if def.Position != i+1 {
			t.Fatalf("position %d at index %d", def.Position, i)
		}
	}
	if !plan[2].QCRequired {
		t.Fatalf("mixing should carry a quality checkpoint")
	}
	if plan[3].MachineType != "tube_filling" {
		t.Fatalf("tube_filling machine type %q", plan[3].MachineType)
	}
}

func TestResolveTabletUncoatedNormal(t *testing.T) {
	plan, err := workflow.Resolve(domain.Product{Type: domain.ProductTablet, TabletType: domain.TabletNormal})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{
		"raw_material_release", "material_dispensing", "granulation", "blending",
		"compression", "sorting", "packaging_material_release", "blister_packing",
		"secondary_packaging", "final_qa", "finished_goods_store",
	}
	if !reflect.DeepEqual(names(plan), want) {
		t.Fatalf("plan %v, want %v", names(plan), want)
	}
	// Positions stay contiguous after conditional omission.
	for i, def := range plan {
		if def.Position != i+1 {
			t.Fatalf("position %d at index %d after omitting coating", def.Position, i)
		}
	}
}

func TestResolveTabletCoatedType2(t *testing.T) {
	plan, err := workflow.Resolve(domain.Product{Type: domain.ProductTablet, TabletType: domain.TabletType2, Coated: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := names(plan)
	hasCoating, hasBlister, hasBulk := false, false, false
	for _, n := range got {
		switch n {
		case "coating":
			hasCoating = true
		case "blister_packing":
			hasBlister = true
		case "bulk_packing":
			hasBulk = true
		}
	}
	if !hasCoating || hasBlister || !hasBulk {
		t.Fatalf("coated tablet_2 plan %v", got)
	}
}

func TestResolveCapsule(t *testing.T) {
	plan, err := workflow.Resolve(domain.Product{Type: domain.ProductCapsule})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if plan[3].Name != "blending" || !plan[3].QCRequired {
		t.Fatalf("capsule blending checkpoint missing: %+v", plan[3])
	}
}

func TestResolveDeterministic(t *testing.T) {
	p := domain.Product{Type: domain.ProductTablet, TabletType: domain.TabletNormal, Coated: true}
	a, err := workflow.Resolve(p)
	if err != nil {
		t.Fatal(err)
	}
	b, err := workflow.Resolve(p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("resolution not deterministic")
	}
}

func TestResolveConfigurationErrors(t *testing.T) {
	cases := []domain.Product{
		{Type: "syrup"},
		{Type: domain.ProductTablet},
		{Type: domain.ProductTablet, TabletType: "chewable"},
	}
	for _, p := range cases {
		_, err := workflow.Resolve(p)
		var ce workflow.ConfigurationError
		if !errors.As(err, &ce) {
			t.Fatalf("product %+v: expected configuration error, got %v", p, err)
		}
	}
}
