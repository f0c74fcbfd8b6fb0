// Package engine provides the core types, interfaces and the orchestrator of the skiff
// agentless execution engine.
//
// # Overview
//
// skiff runs one logical job against a fleet of hosts that carry no persistent agent. The
// only thing a host needs is an SSH daemon; everything else is shipped on demand:
//
//  1. Resolve - a Roster turns a pattern into a map of Targets
//  2. Admit - the Orchestrator admits Targets into a bounded sliding window
//  3. Probe - each Session probes its host for the runtime bundle
//  4. Deploy - at most once per Session, the runtime bundle is pushed and unpacked
//  5. Execute - the job runs and its envelope is parsed into a ResultRecord
//
// # Core Domain Types
//
//   - Target: one host and its connection parameters
//   - JobDescriptor: the raw command, remote function or state request to run
//   - ResultRecord: the per-target outcome, exactly one per Target per run
//   - LowChunk: one compiled unit of state, produced by a Compiler
//   - Error: the per-target failure taxonomy (transport, deploy, protocol, permission)
//
// # Orchestrator
//
// The Orchestrator never raises a single target's failure. Sessions report through a shared
// completion channel and the admission loop backfills the window as soon as any Session
// finishes:
//
//	orch, err := engine.NewOrchestrator(targets, job, cfg, engine.Dependencies{
//	    Sessions: session.NewFactory(opts),
//	})
//	for rec := range orch.RunIter(ctx) {
//	    fmt.Println(rec.ID, rec.Return)
//	}
//
// Resolution failures are the only errors that abort a run, and they surface before any
// Session is created.
package engine
