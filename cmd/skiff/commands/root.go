package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/skiff/pkg/config"
	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/output"
)

// ExitError carries the exit status of a run in which some targets failed.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	output     string
	static     bool
	keyDeploy  bool
	maxProcs   int
	rosterFile string
	thinDir    string
	randThin   bool

	user           string
	passwd         string
	priv           string
	sudo           bool
	sudoUser       string
	ignoreHostKeys bool
	timeout        time.Duration
	backend        string
	tty            bool

	pcre       bool
	list       bool
	jid        string
	jobTimeout time.Duration
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}
	var (
		raw     bool
		rawArgv bool
		cfg     *config.Config
	)

	rootCmd := &cobra.Command{
		Use:   "skiff [flags] <pattern> <fun> [args...]",
		Short: "skiff - agentless remote execution over SSH",
		Long: `skiff runs commands and applies state across hosts that have no agent
installed. It reaches each host over SSH, installs a small self-contained
runtime when it is missing, runs the requested function and prints one
result per host.

Targets come from a flat YAML roster. Up to --max-procs hosts are contacted
at once; one slow or broken host never holds up the others.`,
		Example: `  # Ping every web server
  skiff 'web*' test.ping

  # Run a raw shell command, no runtime involved
  skiff -r 'web*' 'uptime'

  # Run a function with arguments on an explicit host list
  skiff -L web1,web2 cmd.run 'ls -la /srv' cwd=/tmp

  # Apply state
  skiff state 'db*' postgres,common --test`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				if raw {
					return fmt.Errorf("usage: skiff -r <pattern> <command>")
				}
				return fmt.Errorf("usage: skiff <pattern> <fun> [args...]")
			}
			return nil
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := args[0]
			job := &engine.JobDescriptor{JID: opts.jid, Timeout: opts.jobTimeout}
			switch {
			case raw && rawArgv:
				job.Kind = engine.JobRaw
				job.RawArgv = args[1:]
			case raw:
				job.Kind = engine.JobRaw
				job.RawCommand = strings.Join(args[1:], " ")
			default:
				job.Kind = engine.JobFunction
				job.Fun = args[1]
				job.Args = args[2:]
			}
			return runJob(cmd.Context(), cfg, version, pattern, opts.matchType(), job)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file path (default $SKIFF_CONFIG or /etc/skiff/skiff.yaml)")
	pf.StringVarP(&opts.logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.output, "out", "", "output format (nested, json, yaml, raw)")
	pf.BoolVar(&opts.static, "static", false, "print all results at once after the run")
	pf.BoolVar(&opts.keyDeploy, "key-deploy", false, "offer to deploy the ssh key to hosts that deny access")
	pf.IntVar(&opts.maxProcs, "max-procs", 0, "maximum number of hosts contacted at once")
	pf.StringVar(&opts.rosterFile, "roster-file", "", "roster file path")
	pf.StringVar(&opts.thinDir, "thin-dir", "", "remote staging directory")
	pf.BoolVar(&opts.randThin, "rand-thin-dir", false, "stage into a random directory that is removed after the run")
	pf.StringVar(&opts.user, "user", "", "default ssh user")
	pf.StringVar(&opts.passwd, "passwd", "", "default ssh password")
	pf.StringVar(&opts.priv, "priv", "", "ssh private key file")
	pf.BoolVar(&opts.sudo, "sudo", false, "run the remote runtime under sudo")
	pf.StringVar(&opts.sudoUser, "sudo-user", "", "run the remote runtime as this user through sudo")
	pf.BoolVarP(&opts.ignoreHostKeys, "ignore-host-keys", "i", false, "do not verify host keys")
	pf.DurationVarP(&opts.timeout, "timeout", "t", 0, "ssh connection timeout")
	pf.StringVar(&opts.backend, "backend", "", "ssh backend (openssh, native)")
	pf.BoolVar(&opts.tty, "tty", false, "request a remote tty")
	pf.BoolVarP(&opts.pcre, "pcre", "E", false, "match the pattern as a regular expression")
	pf.BoolVarP(&opts.list, "list", "L", false, "match the pattern as a comma separated list")
	pf.StringVar(&opts.jid, "jid", "", "use this job id instead of a generated one")
	pf.DurationVar(&opts.jobTimeout, "job-timeout", 0, "remote execution timeout, added to the connection timeout")

	rootCmd.Flags().BoolVarP(&raw, "raw-shell", "r", false, "run the arguments as a raw shell command")
	rootCmd.Flags().BoolVar(&rawArgv, "argv", false, "with -r, quote each argument instead of joining them as shell text")

	rootCmd.AddCommand(newStateCommand(opts, version, func() *config.Config { return cfg }))
	rootCmd.AddCommand(newJobsCommand(func() *config.Config { return cfg }))
	rootCmd.AddCommand(newPolicyCommand(func() *config.Config { return cfg }))

	return rootCmd
}

func (o *globalOptions) matchType() engine.MatchType {
	switch {
	case o.pcre:
		return engine.MatchPCRE
	case o.list:
		return engine.MatchList
	default:
		return engine.MatchGlob
	}
}

// loadConfig loads the config file and applies the flags the user set on top of it.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Telemetry.Logging.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	lvl := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)
	if lvl >= zerolog.TraceLevel && lvl <= zerolog.FatalLevel {
		cfg.Telemetry.Logging.Level = lvl.String()
	}

	flags := cmd.Flags()
	if flags.Changed("out") {
		if _, err := output.ParseFormat(opts.output); err != nil {
			return nil, err
		}
		cfg.Output = opts.output
	}
	if flags.Changed("static") {
		cfg.Static = opts.static
	}
	if flags.Changed("key-deploy") {
		cfg.KeyDeploy = opts.keyDeploy
	}
	if flags.Changed("max-procs") {
		cfg.MaxProcs = opts.maxProcs
	}
	if flags.Changed("roster-file") {
		cfg.RosterFile = opts.rosterFile
	}
	if flags.Changed("thin-dir") {
		cfg.ThinDir = opts.thinDir
	}
	if flags.Changed("rand-thin-dir") {
		cfg.RandThinDir = opts.randThin
	}
	if flags.Changed("user") {
		cfg.SSH.User = opts.user
	}
	if flags.Changed("passwd") {
		cfg.SSH.Passwd = opts.passwd
	}
	if flags.Changed("priv") {
		cfg.SSH.Priv = opts.priv
	}
	if flags.Changed("sudo") {
		cfg.SSH.Sudo = opts.sudo
	}
	if flags.Changed("sudo-user") {
		cfg.SSH.SudoUser = opts.sudoUser
	}
	if flags.Changed("ignore-host-keys") {
		cfg.SSH.IgnoreHostKeys = opts.ignoreHostKeys
	}
	if flags.Changed("timeout") {
		cfg.SSH.Timeout = opts.timeout
	}
	if flags.Changed("backend") {
		cfg.SSH.Backend = opts.backend
	}
	if flags.Changed("tty") {
		cfg.SSH.TTY = opts.tty
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	log.Debug().Str("roster", cfg.RosterFile).Int("max_procs", cfg.MaxProcs).Msg("Configuration loaded")
	return cfg, nil
}

// ParseLevel maps a level name to a zerolog level. Unknown or empty names are info.
func ParseLevel(name string) zerolog.Level {
	if name == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
