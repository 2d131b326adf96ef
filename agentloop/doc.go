// Package agentloop implements an autonomous reason-act execution loop.
//
// An Agent pairs a unifiedllm.Client with a sealed Registry of capabilities.
// Given a mission it repeatedly asks the model what to do, runs the
// capabilities the model invokes, feeds the results back, and stops with a
// final answer or a tagged Failure.
//
// Every iteration rebuilds the system prompt from the instruction kernel
// and the current plan, compresses aging history when the token estimate
// crosses the compression threshold, and truncates the request so it fits
// under the hard ceiling before the model is called.
//
// # Core pieces
//
//   - Agent: the loop itself. Execute blocks, Stream reports Events.
//   - Registry: capability registration, catalog and fault-isolated Invoke.
//   - PlanStore: the checklist the model maintains through the
//     create_plan, mark_step_done and read_plan capabilities.
//   - Budgeter: token estimation, Sanitize and request Preflight.
//   - Compressor: replaces aging turns with one synthetic summary.
//
// # Quick Start
//
//	registry := agentloop.NewRegistry()
//	registry.Register(agentloop.NewNativeCapability(agentloop.Descriptor{
//	    Name:        "clock",
//	    Description: "Returns the current time",
//	}, func(ctx context.Context, args map[string]any) (string, error) {
//	    return time.Now().Format(time.RFC3339), nil
//	}))
//
//	agent, err := agentloop.New(client, registry, agentloop.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := agent.Execute(ctx, "What time is it?", nil)
package agentloop
