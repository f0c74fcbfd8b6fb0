package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/telemetry"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "SKIFF_CONFIG"

// SystemConfigPath is read when neither --config nor SKIFF_CONFIG is set.
const SystemConfigPath = "/etc/skiff/skiff.yaml"

// Config is the skiff configuration file.
type Config struct {
	// MaxProcs bounds the number of concurrent sessions.
	MaxProcs int `yaml:"max_procs" validate:"min=1"`

	// SSH holds connection defaults applied to every roster target.
	SSH SSHConfig `yaml:"ssh"`

	// ThinDir is the remote staging directory.
	ThinDir string `yaml:"thin_dir" validate:"required"`

	// RandThinDir stages into a random directory that is wiped after each call.
	RandThinDir bool `yaml:"rand_thin_dir"`

	// CacheDir holds runtime bundles and transaction packages.
	CacheDir string `yaml:"cache_dir" validate:"required"`

	// RunnerDir holds the skiff-runner binaries shipped in the runtime bundle.
	RunnerDir string `yaml:"runner_dir"`

	// ExtraTrees are additional directories shipped in the runtime bundle.
	ExtraTrees []string `yaml:"extra_trees" validate:"dive,required"`

	// FileRoots maps a state environment to its search directories.
	FileRoots map[string][]string `yaml:"file_roots" validate:"dive,keys,required,endkeys,min=1,dive,required"`

	// ExtensionModules is the directory of custom modules served to runners.
	ExtensionModules string `yaml:"extension_modules"`

	// WrappersDir holds starlark wrapper functions.
	WrappersDir string `yaml:"wrappers_dir"`

	// WrapperTimeout bounds one starlark wrapper call.
	WrapperTimeout time.Duration `yaml:"wrapper_timeout" validate:"min=0"`

	RosterFile string `yaml:"roster_file" validate:"required"`

	// PolicyPaths are admission policy files or directories.
	PolicyPaths []string `yaml:"policy_paths" validate:"dive,required"`

	// PolicyWatch reloads policies when their files change.
	PolicyWatch bool `yaml:"policy_watch"`

	// PolicyDisable names policies, builtin or custom, that are never evaluated.
	PolicyDisable []string `yaml:"policy_disable"`

	// JobCache is the sqlite job cache path. Empty disables the cache.
	JobCache string `yaml:"job_cache"`

	// JobCacheKeep purges cached jobs older than this on startup. Zero keeps everything.
	JobCacheKeep time.Duration `yaml:"job_cache_keep" validate:"min=0"`

	// KeyDeploy offers to deploy the operator's key to targets that deny access.
	KeyDeploy bool `yaml:"key_deploy"`

	// Static prints all results at once after the run.
	Static bool `yaml:"static"`

	// Output is the renderer format.
	Output string `yaml:"output" validate:"omitempty,oneof=nested json yaml raw"`

	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// SSHConfig holds connection defaults.
type SSHConfig struct {
	User               string        `yaml:"user" validate:"required"`
	Port               int           `yaml:"port" validate:"min=1,max=65535"`
	Passwd             string        `yaml:"passwd"`
	Priv               string        `yaml:"priv"`
	Timeout            time.Duration `yaml:"timeout" validate:"min=0"`
	Sudo               bool          `yaml:"sudo"`
	SudoUser           string        `yaml:"sudo_user"`
	IdentitiesOnly     bool          `yaml:"identities_only"`
	IgnoreHostKeys     bool          `yaml:"ignore_host_keys"`
	KnownHostsFile     string        `yaml:"known_hosts_file"`
	SSHOptions         []string      `yaml:"ssh_options"`
	RemotePortForwards string        `yaml:"remote_port_forwards"`
	TTY                bool          `yaml:"tty"`

	// StrictHostKeyChecking refuses hosts missing from the known hosts file.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`

	// Backend selects the transport: openssh drives the ssh binary, native uses x/crypto/ssh.
	Backend string `yaml:"backend" validate:"omitempty,oneof=openssh native"`

	// PasswordRetries is how many password prompts are answered before giving up.
	PasswordRetries int `yaml:"password_retries" validate:"min=0"`
}

// DefaultConfig returns the defaults used when no config file exists.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	cacheDir := filepath.Join(os.TempDir(), "skiff-cache")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "skiff")
	}

	return &Config{
		MaxProcs: engine.DefaultMaxProcs,
		SSH: SSHConfig{
			User:            "root",
			Port:            22,
			Priv:            filepath.Join(home, ".ssh", "skiff_id_ed25519"),
			Timeout:         60 * time.Second,
			Backend:         string(ssh.BackendOpenSSH),
			PasswordRetries: 3,
		},
		ThinDir:        "/var/tmp/.skiff",
		CacheDir:       cacheDir,
		RunnerDir:      "/usr/lib/skiff/runners",
		FileRoots:      map[string][]string{"base": {"/srv/skiff"}},
		WrapperTimeout: 30 * time.Second,
		RosterFile:     "/etc/skiff/roster",
		Output:         string(engine.FormatNested),
		Telemetry:      telemetry.DefaultConfig(),
	}
}

// Load reads the config file at path on top of DefaultConfig. An empty path falls back to
// SKIFF_CONFIG and then to SystemConfigPath; a missing system file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = SystemConfigPath
		explicit = false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	cfg.expand()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// expand resolves a leading ~ in local paths.
func (c *Config) expand() {
	c.SSH.Priv = expandHome(c.SSH.Priv)
	c.SSH.KnownHostsFile = expandHome(c.SSH.KnownHostsFile)
	c.CacheDir = expandHome(c.CacheDir)
	c.RunnerDir = expandHome(c.RunnerDir)
	c.ExtensionModules = expandHome(c.ExtensionModules)
	c.WrappersDir = expandHome(c.WrappersDir)
	c.RosterFile = expandHome(c.RosterFile)
	c.JobCache = expandHome(c.JobCache)
	for i, p := range c.PolicyPaths {
		c.PolicyPaths[i] = expandHome(p)
	}
	for i, p := range c.ExtraTrees {
		c.ExtraTrees[i] = expandHome(p)
	}
	for env, dirs := range c.FileRoots {
		for i, d := range dirs {
			c.FileRoots[env][i] = expandHome(d)
		}
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and the nested telemetry config.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	return nil
}

// Defaults returns the connection defaults merged into every roster target.
func (c *Config) Defaults() engine.Target {
	return engine.Target{
		User:               c.SSH.User,
		Port:               c.SSH.Port,
		Password:           c.SSH.Passwd,
		Priv:               c.SSH.Priv,
		Sudo:               c.SSH.Sudo,
		SudoUser:           c.SSH.SudoUser,
		Timeout:            c.SSH.Timeout,
		IdentitiesOnly:     c.SSH.IdentitiesOnly,
		RemotePortForwards: c.SSH.RemotePortForwards,
		SSHOptions:         c.SSH.SSHOptions,
		KnownHostsFile:     c.SSH.KnownHostsFile,
		ThinDir:            c.ThinDir,
	}
}

// Format returns the configured output format.
func (c *Config) Format() engine.Format {
	if c.Output == "" {
		return engine.FormatNested
	}
	return engine.Format(c.Output)
}
