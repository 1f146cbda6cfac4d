// Package registry tracks command schemas and the agents serving them.
//
// The first agent to declare a command fixes its schema. Later agents may
// serve the same command only with an identical definition; a conflicting
// definition rejects that one command and leaves the rest of the
// registration intact.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/postalsys/relayhub/internal/logging"
	"github.com/postalsys/relayhub/internal/metrics"
	"github.com/postalsys/relayhub/internal/protocol"
)

var (
	// ErrSchemaConflict is returned for a command whose definition differs
	// from the one already registered under the same name.
	ErrSchemaConflict = errors.New("command schema conflict")

	// ErrInvalidCommand is returned for a command definition that cannot be
	// registered at all.
	ErrInvalidCommand = errors.New("invalid command definition")
)

// Agent is a connected, authenticated agent that can execute commands.
type Agent interface {
	// ServerName returns the name the agent registered with.
	ServerName() string

	// Send writes a request to the agent.
	Send(req *protocol.Request) error
}

// Entry is one agent serving a command.
type Entry struct {
	ServerName string
	Agent      Agent
}

// CommandInfo describes a known command and who serves it.
type CommandInfo struct {
	Definition protocol.CommandDefinition `json:"definition"`
	Servers    []string                   `json:"servers"`
}

// Registry holds command definitions and serving sets.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]protocol.CommandDefinition
	serving map[string][]Entry

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an empty registry.
func New(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		defs:    make(map[string]protocol.CommandDefinition),
		serving: make(map[string][]Entry),
		logger:  logger.With(logging.KeyComponent, "registry"),
		metrics: m,
	}
}

// Normalize validates a definition and returns it in canonical form.
// Unknown context values fall back to "both"; unknown option types make the
// definition invalid.
func Normalize(def protocol.CommandDefinition) (protocol.CommandDefinition, bool, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return def, false, fmt.Errorf("%w: empty name", ErrInvalidCommand)
	}

	contextDefaulted := false
	c := protocol.CommandContext(strings.ToLower(strings.TrimSpace(string(def.Context))))
	if !c.Valid() {
		c = protocol.ContextBoth
		contextDefaulted = true
	}
	def.Context = c

	if len(def.Options) > 0 {
		opts := make([]protocol.CommandOption, len(def.Options))
		for i, opt := range def.Options {
			t, ok := protocol.ParseOptionType(string(opt.Type))
			if !ok {
				return def, false, fmt.Errorf("%w: option %q has unknown type %q", ErrInvalidCommand, opt.Name, opt.Type)
			}
			if strings.TrimSpace(opt.Name) == "" {
				return def, false, fmt.Errorf("%w: option %d has empty name", ErrInvalidCommand, i)
			}
			opt.Type = t
			opts[i] = opt
		}
		def.Options = opts
	} else {
		def.Options = nil
	}

	return def, contextDefaulted, nil
}

// Register adds agent as a server of each definition. It returns the names
// of the commands the agent now serves. Rejected commands are reported in
// the returned error, one wrapped error per command; use multierr.Errors to
// split them.
func (r *Registry) Register(serverName string, agent Agent, defs []protocol.CommandDefinition) ([]string, error) {
	var (
		registered []string
		errs       error
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, raw := range defs {
		def, defaulted, err := Normalize(raw)
		if err != nil {
			r.metrics.RecordRegistration("invalid")
			errs = multierr.Append(errs, fmt.Errorf("command %q: %w", raw.Name, err))
			continue
		}
		if defaulted {
			r.logger.Warn("unknown command context, using both",
				logging.KeyCommand, def.Name,
				"context", raw.Context,
				logging.KeyServerName, serverName)
		}

		existing, known := r.defs[def.Name]
		if known && !existing.Equal(def) {
			r.metrics.RecordRegistration("conflict")
			errs = multierr.Append(errs, fmt.Errorf("command %q from %s: %w", def.Name, serverName, ErrSchemaConflict))
			continue
		}
		if !known {
			r.defs[def.Name] = def
		}

		if r.servedBy(def.Name, agent) {
			r.metrics.RecordRegistration("duplicate")
		} else {
			r.serving[def.Name] = append(r.serving[def.Name], Entry{ServerName: serverName, Agent: agent})
			r.metrics.RecordRegistration("registered")
		}
		registered = append(registered, def.Name)
	}

	r.metrics.SetCommandsKnown(len(r.defs))

	return registered, errs
}

func (r *Registry) servedBy(command string, agent Agent) bool {
	for _, e := range r.serving[command] {
		if e.Agent == agent {
			return true
		}
	}
	return false
}

// UnregisterAll removes agent from every serving set and returns the names
// of the commands it was serving. Definitions are kept.
func (r *Registry) UnregisterAll(agent Agent) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name, entries := range r.serving {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.Agent != agent {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(entries) {
			continue
		}

		removed = append(removed, name)
		if len(kept) == 0 {
			delete(r.serving, name)
		} else {
			r.serving[name] = kept
		}
	}

	sort.Strings(removed)
	return removed
}

// ServersFor returns the agents serving command in registration order.
func (r *Registry) ServersFor(command string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.serving[command]
	if len(entries) == 0 {
		return nil
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Definition returns the registered schema for name.
func (r *Registry) Definition(name string) (protocol.CommandDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	return def, ok
}

// Definitions returns all known schemas sorted by name.
func (r *Registry) Definitions() []protocol.CommandDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.CommandDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns every known command with the server names serving it.
func (r *Registry) Snapshot() []CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CommandInfo, 0, len(r.defs))
	for name, def := range r.defs {
		info := CommandInfo{Definition: def, Servers: []string{}}
		for _, e := range r.serving[name] {
			info.Servers = append(info.Servers, e.ServerName)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.Name < out[j].Definition.Name })
	return out
}
