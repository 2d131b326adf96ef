package agentloop

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// StepStatus is the state of a plan step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepDone    StepStatus = "done"
)

// PlanStep is one entry of the checklist.
type PlanStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

// NoPlan is what ReadPlan returns for an empty store.
const NoPlan = ""

// PlanStore is an ordered checklist kept outside the model. All operations
// are synchronous and do no I/O.
type PlanStore struct {
	mu      sync.Mutex
	steps   []PlanStep
	version uint64
}

// NewPlanStore returns an empty store.
func NewPlanStore() *PlanStore {
	return &PlanStore{}
}

// CreatePlan replaces the plan. Blank descriptions are skipped and ids are
// assigned 1..n in order.
func (p *PlanStore) CreatePlan(steps []string) []PlanStep {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.steps = p.steps[:0]
	for _, desc := range steps {
		desc = strings.TrimSpace(desc)
		if desc == "" {
			continue
		}
		p.steps = append(p.steps, PlanStep{
			ID:          strconv.Itoa(len(p.steps) + 1),
			Description: desc,
			Status:      StepPending,
		})
	}
	p.version++
	return p.snapshot()
}

// MarkDone marks a step done. Unknown ids return false.
func (p *PlanStore) MarkDone(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.steps {
		if p.steps[i].ID == id {
			if p.steps[i].Status != StepDone {
				p.steps[i].Status = StepDone
				p.version++
			}
			return true
		}
	}
	return false
}

// ReadPlan renders the checklist, or NoPlan when the store is empty.
func (p *PlanStore) ReadPlan() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.steps) == 0 {
		return NoPlan
	}
	var sb strings.Builder
	for i, s := range p.steps {
		if i > 0 {
			sb.WriteByte('\n')
		}
		mark := " "
		if s.Status == StepDone {
			mark = "x"
		}
		fmt.Fprintf(&sb, "- [%s] %s. %s", mark, s.ID, s.Description)
	}
	return sb.String()
}

// Steps returns a copy of the current steps.
func (p *PlanStore) Steps() []PlanStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

// Restore replaces the plan with previously saved steps.
func (p *PlanStore) Restore(steps []PlanStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps[:0], steps...)
	p.version++
}

// Reset empties the store.
func (p *PlanStore) Reset() {
	p.Restore(nil)
}

// Version increases on every mutation.
func (p *PlanStore) Version() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func (p *PlanStore) snapshot() []PlanStep {
	if len(p.steps) == 0 {
		return nil
	}
	return append([]PlanStep(nil), p.steps...)
}

// Plan capability names.
const (
	CapabilityCreatePlan   = "create_plan"
	CapabilityMarkStepDone = "mark_step_done"
	CapabilityReadPlan     = "read_plan"
)

// PlanCapabilities exposes the store to the model.
func PlanCapabilities(store *PlanStore) []Capability {
	return []Capability{
		NewNativeCapability(Descriptor{
			Name:        CapabilityCreatePlan,
			Description: "Replace the current plan with an ordered list of steps.",
			ParameterSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Step descriptions in execution order.",
					},
				},
				"required": []any{"steps"},
			},
		}, func(_ context.Context, args map[string]any) (string, error) {
			raw, ok := args["steps"].([]any)
			if !ok {
				return "", fmt.Errorf("%w: steps must be an array of strings", ErrInvalidArgument)
			}
			descs := make([]string, 0, len(raw))
			for _, v := range raw {
				s, ok := v.(string)
				if !ok {
					return "", fmt.Errorf("%w: steps must be an array of strings", ErrInvalidArgument)
				}
				descs = append(descs, s)
			}
			steps := store.CreatePlan(descs)
			if len(steps) == 0 {
				return "Plan cleared.", nil
			}
			return fmt.Sprintf("Plan created with %d steps.\n%s", len(steps), store.ReadPlan()), nil
		}),
		NewNativeCapability(Descriptor{
			Name:        CapabilityMarkStepDone,
			Description: "Mark a plan step as done by its id.",
			ParameterSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{"type": "string", "description": "Step id."},
				},
				"required": []any{"id"},
			},
		}, func(_ context.Context, args map[string]any) (string, error) {
			id, err := StringArg(args, "id")
			if err != nil {
				n, intErr := IntArg(args, "id")
				if intErr != nil {
					return "", err
				}
				id = strconv.Itoa(n)
			}
			if !store.MarkDone(id) {
				return "", fmt.Errorf("no plan step with id %q", id)
			}
			return fmt.Sprintf("Step %s marked done.\n%s", id, store.ReadPlan()), nil
		}),
		NewNativeCapability(Descriptor{
			Name:        CapabilityReadPlan,
			Description: "Show the current plan.",
		}, func(_ context.Context, _ map[string]any) (string, error) {
			if plan := store.ReadPlan(); plan != NoPlan {
				return plan, nil
			}
			return "No plan.", nil
		}),
	}
}
