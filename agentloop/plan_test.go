package agentloop

import (
	"context"
	"strings"
	"testing"
)

func TestPlanStoreLifecycle(t *testing.T) {
	p := NewPlanStore()
	if p.ReadPlan() != NoPlan {
		t.Fatalf("empty store should render NoPlan, got %q", p.ReadPlan())
	}

	steps := p.CreatePlan([]string{"gather data", "  ", "write report"})
	if len(steps) != 2 {
		t.Fatalf("blank steps should be skipped, got %+v", steps)
	}
	if steps[0].ID != "1" || steps[1].ID != "2" || steps[1].Status != StepPending {
		t.Errorf("unexpected steps: %+v", steps)
	}

	if !p.MarkDone("1") {
		t.Error("MarkDone(1) should succeed")
	}
	if p.MarkDone("9") {
		t.Error("MarkDone on an unknown id should report false")
	}

	want := "- [x] 1. gather data\n- [ ] 2. write report"
	if got := p.ReadPlan(); got != want {
		t.Errorf("expected\n%s\ngot\n%s", want, got)
	}

	p.CreatePlan([]string{"fresh start"})
	if got := p.Steps(); len(got) != 1 || got[0].Description != "fresh start" {
		t.Errorf("CreatePlan should replace the plan, got %+v", got)
	}
}

func TestPlanStoreVersion(t *testing.T) {
	p := NewPlanStore()
	v0 := p.Version()
	p.CreatePlan([]string{"a"})
	v1 := p.Version()
	if v1 <= v0 {
		t.Error("CreatePlan should bump the version")
	}
	p.MarkDone("1")
	v2 := p.Version()
	if v2 <= v1 {
		t.Error("MarkDone should bump the version")
	}
	p.MarkDone("1")
	p.MarkDone("42")
	if p.Version() != v2 {
		t.Error("no-op MarkDone calls should not bump the version")
	}
}

func TestPlanStoreRestore(t *testing.T) {
	p := NewPlanStore()
	saved := []PlanStep{{ID: "1", Description: "resume me", Status: StepDone}}
	p.Restore(saved)
	saved[0].Description = "mutated"
	if p.Steps()[0].Description != "resume me" {
		t.Error("Restore should copy the steps")
	}
	p.Reset()
	if p.ReadPlan() != NoPlan {
		t.Error("Reset should empty the store")
	}
}

func TestPlanCapabilities(t *testing.T) {
	store := NewPlanStore()
	r := NewRegistry()
	if err := r.RegisterAll(PlanCapabilities(store)...); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res := r.Invoke(ctx, ToolInvocation{ID: "1", CapabilityName: CapabilityCreatePlan, Arguments: map[string]any{
		"steps": []any{"one", "two"},
	}})
	if !res.Succeeded || !strings.Contains(res.Output, "2 steps") {
		t.Fatalf("unexpected create_plan result: %+v", res)
	}

	res = r.Invoke(ctx, ToolInvocation{ID: "2", CapabilityName: CapabilityMarkStepDone, Arguments: map[string]any{"id": float64(2)}})
	if !res.Succeeded {
		t.Fatalf("numeric id should be accepted: %+v", res)
	}
	if store.Steps()[1].Status != StepDone {
		t.Error("step 2 should be done")
	}

	res = r.Invoke(ctx, ToolInvocation{ID: "3", CapabilityName: CapabilityMarkStepDone, Arguments: map[string]any{"id": "7"}})
	if res.Succeeded || !strings.Contains(res.Error, "no plan step") {
		t.Errorf("unknown id should fail the invocation, got %+v", res)
	}

	res = r.Invoke(ctx, ToolInvocation{ID: "4", CapabilityName: CapabilityCreatePlan, Arguments: map[string]any{"steps": "not a list"}})
	if res.Succeeded {
		t.Error("create_plan should reject non-array steps")
	}

	res = r.Invoke(ctx, ToolInvocation{ID: "5", CapabilityName: CapabilityReadPlan})
	if !res.Succeeded || !strings.Contains(res.Output, "- [x] 2. two") {
		t.Errorf("unexpected read_plan result: %+v", res)
	}
}

func TestBuildSystemPromptPlanSection(t *testing.T) {
	store := NewPlanStore()

	prompt := BuildSystemPrompt("kernel", store.ReadPlan())
	if HasPlanSection(prompt) {
		t.Errorf("empty plan should add no section, got %q", prompt)
	}
	if prompt != "kernel" {
		t.Errorf("expected bare kernel, got %q", prompt)
	}

	store.CreatePlan([]string{"step"})
	prompt = BuildSystemPrompt("kernel", store.ReadPlan())
	if !HasPlanSection(prompt) || !strings.Contains(prompt, "- [ ] 1. step") {
		t.Errorf("expected plan section, got %q", prompt)
	}

	if BuildSystemPrompt("", NoPlan) != DefaultKernel {
		t.Error("empty kernel should fall back to DefaultKernel")
	}
}
