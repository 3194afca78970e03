package machine

import (
	"errors"
	"fmt"
	"strings"

	"relay/internal/config"
	"relay/internal/logging"
)

var ErrUnknownMachine = errors.New("unknown machine")

var defaultAgentArgs = []string{"app-server"}

// Registry holds one Machine per configured name. Machines are long-lived so
// SSH authentication is reused across sessions.
type Registry struct {
	machines map[string]Machine
	names    []string
	def      string
}

func NewRegistry(cfg config.Config, logger logging.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	args := cfg.Codex.Args
	if len(args) == 0 {
		args = defaultAgentArgs
	}
	r := &Registry{machines: map[string]Machine{}, def: cfg.DefaultMachine()}
	for _, name := range cfg.MachineNames() {
		def := cfg.Machines.Defs[name]
		binary := strings.TrimSpace(def.BinaryPath)
		if binary == "" {
			binary = cfg.CodexBin()
		}
		opts := Options{
			Name:            name,
			BinaryPath:      binary,
			Args:            append([]string(nil), args...),
			DefaultWorkdir:  def.DefaultWorkdir,
			AllowedRoots:    append([]string(nil), def.AllowedRoots...),
			MaxMessageBytes: cfg.MaxMessageBytes(),
		}
		switch def.KindOrDefault() {
		case config.MachineKindLocal:
			r.machines[name] = NewLocal(opts, logger)
		case config.MachineKindSSH:
			r.machines[name] = NewSSH(SSHOptions{
				Options:        opts,
				Host:           def.Host,
				User:           def.User,
				Port:           def.SSHPort(),
				KnownHosts:     def.KnownHostsPath(),
				KeyPath:        def.KeyPath,
				UseAgent:       def.AgentEnabled(),
				ConnectTimeout: def.Timeout(),
			}, logger)
		default:
			return nil, fmt.Errorf("machine %s: unsupported kind %q", name, def.Kind)
		}
		r.names = append(r.names, name)
	}
	return r, nil
}

// NewStaticRegistry wraps already built machines.
func NewStaticRegistry(def string, machines ...Machine) *Registry {
	r := &Registry{machines: map[string]Machine{}, def: def}
	for _, m := range machines {
		r.machines[m.Name()] = m
		r.names = append(r.names, m.Name())
	}
	return r
}

func (r *Registry) Get(name string) (Machine, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.def
	}
	m, ok := r.machines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMachine, name)
	}
	return m, nil
}

func (r *Registry) Default() string {
	return r.def
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *Registry) Close() error {
	var errs []error
	for _, m := range r.machines {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
