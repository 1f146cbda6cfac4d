// Package router decides where an invoked command goes.
//
// A command served by no agent is unavailable. A command served by one
// agent is dispatched straight away. A command served by several agents
// produces a selection: the caller picks a server name and Choose
// dispatches to it. Pending selections live in a bounded LRU and expire
// after a TTL.
//
// The router does not check command context. The caller front end is
// expected to have done that using Result.Context or the registry.
package router

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/postalsys/relayhub/internal/correlator"
	"github.com/postalsys/relayhub/internal/logging"
	"github.com/postalsys/relayhub/internal/metrics"
	"github.com/postalsys/relayhub/internal/protocol"
	"github.com/postalsys/relayhub/internal/registry"
)

const (
	DefaultSelectionTTL  = 5 * time.Minute
	DefaultMaxSelections = 1024
)

var (
	// ErrSelectionExpired is returned by Choose for an unknown, used or
	// expired selection id.
	ErrSelectionExpired = errors.New("selection expired")

	// ErrServerNotFound is returned by Choose when no agent with the chosen
	// name serves the command any more.
	ErrServerNotFound = errors.New("server not found")
)

// Status is the immediate result of routing.
type Status int

const (
	StatusUnavailable Status = iota
	StatusSelection
	StatusDispatched
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusUnavailable:
		return "unavailable"
	case StatusSelection:
		return "selection"
	case StatusDispatched:
		return "dispatched"
	default:
		return "unknown"
	}
}

// Result describes what happened to an invocation.
type Result struct {
	Status  Status
	Command string
	Context protocol.CommandContext

	// Set when Status is StatusSelection.
	SelectionID string
	Candidates  []string

	// Set when Status is StatusDispatched.
	RequestID  string
	ServerName string
}

// Config configures a Router.
type Config struct {
	SelectionTTL  time.Duration
	MaxSelections int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type selection struct {
	command    string
	options    map[string]string
	caller     correlator.Caller
	candidates []string
}

// Router routes invocations to agents.
type Router struct {
	registry   *registry.Registry
	correlator *correlator.Correlator
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	selections *expirable.LRU[string, *selection]
}

// New creates a Router over reg and corr.
func New(reg *registry.Registry, corr *correlator.Correlator, cfg Config) *Router {
	if cfg.SelectionTTL <= 0 {
		cfg.SelectionTTL = DefaultSelectionTTL
	}
	if cfg.MaxSelections <= 0 {
		cfg.MaxSelections = DefaultMaxSelections
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	return &Router{
		registry:   reg,
		correlator: corr,
		logger:     cfg.Logger.With(logging.KeyComponent, "router"),
		metrics:    cfg.Metrics,
		selections: expirable.NewLRU[string, *selection](cfg.MaxSelections, nil, cfg.SelectionTTL),
	}
}

// Route looks up the agents serving command and either reports it
// unavailable, dispatches it, or creates a selection. Outcomes of a
// dispatched request, including one dispatched later through Choose, are
// delivered to caller.
func (r *Router) Route(command string, options map[string]string, caller correlator.Caller) Result {
	res := Result{Command: command}
	if def, ok := r.registry.Definition(command); ok {
		res.Context = def.Context
	}

	entries := r.registry.ServersFor(command)
	candidates := distinctNames(entries)

	switch len(candidates) {
	case 0:
		res.Status = StatusUnavailable
		r.logger.Debug("command unavailable", logging.KeyCommand, command)
		return res

	case 1:
		target := entries[0]
		res.Status = StatusDispatched
		res.ServerName = target.ServerName
		res.RequestID = r.correlator.Dispatch(caller, command, options, target.Agent)
		return res
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.selections.Add(id, &selection{
		command:    command,
		options:    options,
		caller:     caller,
		candidates: candidates,
	})
	r.mu.Unlock()
	r.metrics.RecordSelection()

	r.logger.Debug("selection created",
		logging.KeySelection, id,
		logging.KeyCommand, command,
		"candidates", candidates)

	res.Status = StatusSelection
	res.SelectionID = id
	res.Candidates = candidates
	return res
}

// Choose resolves a selection. serverName must be one of the candidates
// offered by Route and still connected; otherwise ErrServerNotFound. The
// selection is consumed whether or not the chosen server is found.
func (r *Router) Choose(selectionID, serverName string) (Result, error) {
	r.mu.Lock()
	sel, ok := r.selections.Get(selectionID)
	if ok {
		r.selections.Remove(selectionID)
	}
	r.mu.Unlock()

	if !ok {
		r.metrics.RecordSelectionResult("expired")
		return Result{}, ErrSelectionExpired
	}

	res := Result{Command: sel.command}
	if def, ok := r.registry.Definition(sel.command); ok {
		res.Context = def.Context
	}

	// Only an offered candidate may be chosen. The live lookup finds its
	// connection and drops a candidate that disconnected meanwhile.
	for _, e := range r.registry.ServersFor(sel.command) {
		if e.ServerName != serverName || !slices.Contains(sel.candidates, serverName) {
			continue
		}
		r.metrics.RecordSelectionResult("chosen")
		res.Status = StatusDispatched
		res.ServerName = e.ServerName
		res.RequestID = r.correlator.Dispatch(sel.caller, sel.command, sel.options, e.Agent)
		return res, nil
	}

	r.metrics.RecordSelectionResult("server_not_found")
	r.logger.Debug("chosen server not found",
		logging.KeySelection, selectionID,
		logging.KeyCommand, sel.command,
		logging.KeyServerName, serverName)
	return Result{}, ErrServerNotFound
}

// PendingSelections returns the number of unexpired selections.
func (r *Router) PendingSelections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selections.Len()
}

// distinctNames returns the server names of entries, first occurrence first.
func distinctNames(entries []registry.Entry) []string {
	var names []string
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.ServerName] {
			continue
		}
		seen[e.ServerName] = true
		names = append(names, e.ServerName)
	}
	return names
}
