package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveRawPolicy(),
		protectedTargetPolicy(),
		rootRawPolicy(),
	}
}

// destructiveRawPolicy refuses raw commands that wipe or reformat a host.
func destructiveRawPolicy() Policy {
	return Policy{
		Name:        "destructive-raw",
		Description: "Refuses raw shell commands that remove the root filesystem or reformat disks",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"raw", "safety"},
		Rego: `package skiff.admission.destructive_raw

import rego.v1

patterns := [
	` + "`" + `rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rR][a-zA-Z]*\s+(-[a-zA-Z]*\s+)*/(\s|$|\*)` + "`" + `,
	` + "`" + `(^|[;&|]\s*)mkfs(\.[a-z0-9]+)?\s` + "`" + `,
	` + "`" + `dd\s.*of=/dev/(sd|hd|vd|nvme|xvd)` + "`" + `,
	` + "`" + `:\(\)\s*\{\s*:\|:&\s*\};\s*:` + "`" + `,
]

deny contains violation if {
	input.job.kind == "raw"
	some pattern in patterns
	regex.match(pattern, input.job.raw_command)
	violation := {
		"message": sprintf("raw command '%s' is destructive and was refused", [input.job.raw_command]),
		"severity": "critical",
	}
}
`,
	}
}

// protectedTargetPolicy limits targets flagged protected in the roster to read-only
// functions.
func protectedTargetPolicy() Policy {
	return Policy{
		Name:        "protected-target",
		Description: "Targets with minion_opts.protected set only accept read-only functions and test-mode state",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"roster", "safety"},
		Rego: `package skiff.admission.protected_target

import rego.v1

read_only := {
	"test.ping",
	"test.version",
	"grains.items",
	"grains.item",
	"grains.get",
	"state.show_lowstate",
	"state.show_sls",
	"sys.doc",
}

protected if input.target.minion_opts.protected == true

allowed if {
	input.job.kind == "function"
	read_only[input.job.fun]
}

allowed if {
	input.job.kind == "state"
	input.job.test
}

deny contains violation if {
	protected
	not allowed
	violation := {
		"message": sprintf("target %s is protected; %s is not a read-only function", [input.target.id, input.job.fun]),
		"severity": "error",
	}
}
`,
	}
}

// rootRawPolicy warns about raw commands run as root.
func rootRawPolicy() Policy {
	return Policy{
		Name:        "root-raw",
		Description: "Warns when a raw shell command runs as root",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"raw", "audit"},
		Rego: `package skiff.admission.root_raw

import rego.v1

as_root if input.target.user == "root"

as_root if {
	input.target.sudo
	not input.target.sudo_user
}

as_root if input.target.sudo_user == "root"

deny contains violation if {
	input.job.kind == "raw"
	as_root
	violation := {
		"message": sprintf("raw command runs as root on %s", [input.target.id]),
		"severity": "warning",
	}
}
`,
	}
}
