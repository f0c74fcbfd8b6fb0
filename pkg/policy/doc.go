// Package policy gates job admission with Open Policy Agent (Rego) policies.
//
// The orchestrator asks the Engine to admit every (target, job) pair before it starts a
// session. Each enabled policy's deny rule is evaluated against an Input document:
//
//	{
//	  "target":  {"id": "web1", "host": "10.0.0.1", "user": "root", "sudo": false, "minion_opts": {...}},
//	  "job":     {"jid": "...", "kind": "raw", "fun": "ssh._raw", "raw_command": "uptime", "tgt": "web*", "tgt_type": "glob"},
//	  "context": {"user": "alice", "timestamp": "2024-01-01T00:00:00Z"}
//	}
//
// A deny entry is either a string or an object with message and severity. Violations of
// severity error or critical refuse the job for that target; the target's result records
// the denial and the rest of the run continues. Warnings are logged.
//
// # Built-in Policies
//
//   - destructive-raw: refuses raw commands such as rm -rf /, mkfs or dd onto a disk.
//   - protected-target: targets with minion_opts.protected set only accept read-only
//     functions and state runs with test=true.
//   - root-raw: warns when a raw command runs as root.
//
// # Custom Policies
//
// LoadPolicies reads .rego files, named after the file and blocking by default, and .json
// files carrying name, severity and rego fields. Watch reloads them on change through
// fsnotify. A reload that fails to compile leaves the previous set active.
//
//	deny contains msg if {
//		input.job.kind == "raw"
//		input.target.minion_opts.env == "prod"
//		msg := sprintf("no raw commands on %s", [input.target.id])
//	}
package policy
