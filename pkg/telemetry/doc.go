// Package telemetry provides observability instrumentation for skiff.
//
// It integrates structured logging (zerolog), distributed tracing (OpenTelemetry), metrics
// (Prometheus) and a small in-process event bus into one Telemetry value that is threaded
// through the orchestrator and every session.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Events
//
// The event bus carries run and session lifecycle events. Subscribers see events in the
// order they were published, which makes the bus usable as instrumentation:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Target, ev.Data["phase"])
//	}, telemetry.FilterByType(telemetry.EventTypeSessionPhase))
//
// # Metrics
//
//	skiff_sessions_active                 gauge of sessions in a non-terminal phase
//	skiff_session_results_total{status}   finished sessions by status
//	skiff_deploys_total{outcome}          runtime deploys
//	skiff_package_builds_total{kind,cache} package builds and cache hits
//	skiff_policy_denials_total{policy}    targets refused at admission
//
// A nil *Metrics, *Tracer or *EventPublisher records nothing.
package telemetry
