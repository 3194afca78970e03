package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"relay/internal/types"
)

const (
	MachineKindLocal = "local"
	MachineKindSSH   = "ssh"

	StateBackendBbolt = "bbolt"
	StateBackendFile  = "file"
)

const (
	defaultMachineName     = "local"
	defaultCodexBin        = "codex"
	defaultPrefixTokens    = 2
	defaultConnectTimeout  = 10 * time.Second
	defaultMaxMessageBytes = 8 << 20
	defaultSSHPort         = 22
	defaultKnownHosts      = "~/.ssh/known_hosts"
)

type Config struct {
	Machines  MachinesConfig  `toml:"machines" yaml:"machines"`
	Codex     CodexConfig     `toml:"codex" yaml:"codex"`
	State     StateConfig     `toml:"state" yaml:"state"`
	Transport TransportConfig `toml:"transport" yaml:"transport"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
}

type MachinesConfig struct {
	Default string                   `toml:"default" yaml:"default"`
	Defs    map[string]MachineConfig `toml:"defs" yaml:"defs"`
}

type MachineConfig struct {
	Kind           string   `toml:"kind" yaml:"kind"`
	BinaryPath     string   `toml:"binary_path" yaml:"binary_path"`
	DefaultWorkdir string   `toml:"default_workdir" yaml:"default_workdir"`
	AllowedRoots   []string `toml:"allowed_roots" yaml:"allowed_roots"`
	ConnectTimeout string   `toml:"connect_timeout" yaml:"connect_timeout"`

	Host       string `toml:"host" yaml:"host"`
	User       string `toml:"user" yaml:"user"`
	Port       int    `toml:"port" yaml:"port"`
	KnownHosts string `toml:"known_hosts" yaml:"known_hosts"`
	KeyPath    string `toml:"key_path" yaml:"key_path"`
	UseAgent   *bool  `toml:"use_agent" yaml:"use_agent"`
}

type CodexConfig struct {
	Bin          string   `toml:"bin" yaml:"bin"`
	Args         []string `toml:"args" yaml:"args"`
	Model        string   `toml:"model" yaml:"model"`
	Effort       string   `toml:"effort" yaml:"effort"`
	Sandbox      string   `toml:"sandbox" yaml:"sandbox"`
	ApprovalMode string   `toml:"approval_mode" yaml:"approval_mode"`
	PrefixTokens int      `toml:"prefix_tokens" yaml:"prefix_tokens"`
}

type StateConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
}

type TransportConfig struct {
	MaxMessageBytes int `toml:"max_message_bytes" yaml:"max_message_bytes"`
}

type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
	File  string `toml:"file" yaml:"file"`
}

type MetricsConfig struct {
	Address string `toml:"address" yaml:"address"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Machines: MachinesConfig{
			Default: defaultMachineName,
			Defs: map[string]MachineConfig{
				defaultMachineName: {
					Kind:           MachineKindLocal,
					DefaultWorkdir: home,
					AllowedRoots:   []string{home},
				},
			},
		},
		Codex: CodexConfig{
			Bin:          defaultCodexBin,
			ApprovalMode: string(types.ApprovalModeOnRequest),
			PrefixTokens: defaultPrefixTokens,
		},
		State: StateConfig{
			Backend: StateBackendBbolt,
		},
		Transport: TransportConfig{
			MaxMessageBytes: defaultMaxMessageBytes,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path as TOML or YAML depending on its extension. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	// Decoded machine tables replace the default local entry.
	cfg.Machines.Defs = nil
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.Machines.Defs) == 0 {
		cfg.Machines.Defs = Default().Machines.Defs
	}
	return cfg, nil
}

// Encode renders cfg in the given format ("toml" or "yaml").
func Encode(cfg Config, format string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		return toml.Marshal(cfg)
	case "yaml", "yml":
		return yaml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func (c Config) Validate() error {
	var problems []string
	if len(c.Machines.Defs) == 0 {
		problems = append(problems, "machines.defs must define at least one machine")
	}
	if _, ok := c.Machines.Defs[c.DefaultMachine()]; !ok {
		problems = append(problems, fmt.Sprintf("machines.default %q is not defined", c.DefaultMachine()))
	}
	for _, name := range c.MachineNames() {
		def := c.Machines.Defs[name]
		where := "machines.defs." + name
		switch def.KindOrDefault() {
		case MachineKindLocal:
		case MachineKindSSH:
			if strings.TrimSpace(def.Host) == "" {
				problems = append(problems, where+".host is required for ssh machines")
			}
			if strings.TrimSpace(def.User) == "" {
				problems = append(problems, where+".user is required for ssh machines")
			}
		default:
			problems = append(problems, fmt.Sprintf("%s.kind %q must be local or ssh", where, def.Kind))
		}
		if len(def.AllowedRoots) == 0 {
			problems = append(problems, where+".allowed_roots must not be empty")
		}
		if strings.TrimSpace(def.DefaultWorkdir) == "" {
			problems = append(problems, where+".default_workdir is required")
		}
		if raw := strings.TrimSpace(def.ConnectTimeout); raw != "" {
			if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
				problems = append(problems, fmt.Sprintf("%s.connect_timeout %q is not a positive duration", where, raw))
			}
		}
	}
	if _, ok := types.ParseApprovalMode(c.Codex.ApprovalMode); !ok {
		problems = append(problems, fmt.Sprintf("codex.approval_mode %q must be always, on_request or yolo", c.Codex.ApprovalMode))
	}
	switch c.StateBackend() {
	case StateBackendBbolt, StateBackendFile:
	default:
		problems = append(problems, fmt.Sprintf("state.backend %q must be bbolt or file", c.State.Backend))
	}
	if c.Transport.MaxMessageBytes < 0 {
		problems = append(problems, "transport.max_message_bytes must not be negative")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) DefaultMachine() string {
	name := strings.TrimSpace(c.Machines.Default)
	if name == "" {
		return defaultMachineName
	}
	return name
}

func (c Config) MachineNames() []string {
	names := make([]string, 0, len(c.Machines.Defs))
	for name := range c.Machines.Defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c Config) ApprovalMode() types.ApprovalMode {
	mode, ok := types.ParseApprovalMode(c.Codex.ApprovalMode)
	if !ok {
		return types.ApprovalModeOnRequest
	}
	return mode
}

func (c Config) CodexBin() string {
	bin := strings.TrimSpace(c.Codex.Bin)
	if bin == "" {
		return defaultCodexBin
	}
	return bin
}

func (c Config) PrefixTokens() int {
	if c.Codex.PrefixTokens <= 0 {
		return defaultPrefixTokens
	}
	return c.Codex.PrefixTokens
}

func (c Config) MaxMessageBytes() int {
	if c.Transport.MaxMessageBytes <= 0 {
		return defaultMaxMessageBytes
	}
	return c.Transport.MaxMessageBytes
}

func (c Config) StateBackend() string {
	backend := strings.ToLower(strings.TrimSpace(c.State.Backend))
	if backend == "" {
		return StateBackendBbolt
	}
	return backend
}

// StatePath returns the configured store location, or the default one for
// the selected backend.
func (c Config) StatePath() (string, error) {
	if path := strings.TrimSpace(c.State.Path); path != "" {
		return ExpandHome(path)
	}
	if c.StateBackend() == StateBackendFile {
		return FileStateDir()
	}
	return StatePath()
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (m MachineConfig) KindOrDefault() string {
	kind := strings.ToLower(strings.TrimSpace(m.Kind))
	if kind == "" {
		return MachineKindLocal
	}
	return kind
}

func (m MachineConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(m.ConnectTimeout))
	if err != nil || d <= 0 {
		return defaultConnectTimeout
	}
	return d
}

func (m MachineConfig) SSHPort() int {
	if m.Port <= 0 {
		return defaultSSHPort
	}
	return m.Port
}

func (m MachineConfig) KnownHostsPath() string {
	path := strings.TrimSpace(m.KnownHosts)
	if path == "" {
		return defaultKnownHosts
	}
	return path
}

func (m MachineConfig) AgentEnabled() bool {
	if m.UseAgent == nil {
		return true
	}
	return *m.UseAgent
}

// ExpandHome replaces a leading "~" with the local home directory.
func ExpandHome(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
