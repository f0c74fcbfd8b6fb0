// Package session drives one target through its lifecycle: probe the host for the runtime,
// deploy it at most once, run the job and turn whatever came back into a ResultRecord.
//
// A Single picks one of three modes when it starts:
//
//   - ModeRaw runs a literal shell command and never touches the runtime
//   - ModeWrapped runs a wrapper locally; the wrapper reaches the host through a Caller
//   - ModeRemote hands a request to the runner inside the probe script
//
// Nothing a Single does raises past Run: transport, deploy and protocol failures all come
// back as a record carrying a typed *engine.Error.
package session
