package agentloop

import "strings"

// DefaultKernel is the base instruction set used when none is configured.
const DefaultKernel = `You are an autonomous agent working toward the user's mission.

Work in steps. When a capability can move the mission forward, call it; you
will receive its result before your next step. Invocations in one reply may
run concurrently, so only batch calls that do not depend on each other.

For multi-step work, record a plan with create_plan and tick steps off with
mark_step_done as you finish them.

When the mission is complete, reply with the final answer as plain text and
no capability calls.`

const planHeading = "# Current Plan"

// BuildSystemPrompt assembles the kernel and, only when plan is not NoPlan,
// a checklist section.
func BuildSystemPrompt(kernel, plan string) string {
	kernel = strings.TrimSpace(kernel)
	if kernel == "" {
		kernel = DefaultKernel
	}
	if strings.TrimSpace(plan) == NoPlan {
		return kernel
	}
	return kernel + "\n\n" + planHeading + "\n\n" + plan
}

// HasPlanSection reports whether prompt contains a plan section.
func HasPlanSection(prompt string) bool {
	return strings.Contains(prompt, planHeading)
}
