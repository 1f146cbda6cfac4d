package hub

import (
	"context"
	"errors"

	"github.com/postalsys/relayhub/internal/correlator"
	"github.com/postalsys/relayhub/internal/protocol"
	"github.com/postalsys/relayhub/internal/router"
)

// ReplyKind classifies the caller-visible answer to an invocation.
type ReplyKind string

const (
	ReplyUnavailable      ReplyKind = "unavailable"
	ReplySelection        ReplyKind = "selection"
	ReplySuccess          ReplyKind = "success"
	ReplyTimeout          ReplyKind = "timeout"
	ReplyAborted          ReplyKind = "aborted"
	ReplySelectionExpired ReplyKind = "selection_expired"
	ReplyServerNotFound   ReplyKind = "server_not_found"
	ReplyDispatched       ReplyKind = "dispatched"
)

const abortedMessage = "The hub is shutting down."

// errNotRunning is returned by caller operations outside Start/Stop.
var errNotRunning = errors.New("hub is not running")

// Reply is what a caller front end shows for an invocation.
type Reply struct {
	Kind        ReplyKind `json:"kind"`
	Message     string    `json:"message"`
	Command     string    `json:"command,omitempty"`
	Context     string    `json:"context,omitempty"`
	SelectionID string    `json:"selection_id,omitempty"`
	Candidates  []string  `json:"candidates,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	ServerName  string    `json:"server_name,omitempty"`
	Response    string    `json:"response,omitempty"`
	LatencyMS   int64     `json:"latency_ms,omitempty"`
}

// Invoke routes command and waits for its outcome. When several agents
// serve the command it returns a selection reply at once; pass its id to
// Select. ctx only bounds the wait; the request itself still completes or
// times out inside the hub.
func (h *Hub) Invoke(ctx context.Context, command string, options map[string]string) (Reply, error) {
	if !h.IsRunning() {
		return Reply{}, errNotRunning
	}

	mailbox := make(chan correlator.Outcome, 1)
	res := h.Submit(command, options, correlator.CallerFunc(func(o correlator.Outcome) {
		mailbox <- o
	}))

	msgs := h.Messages()
	switch res.Status {
	case router.StatusUnavailable:
		return Reply{
			Kind:    ReplyUnavailable,
			Message: msgs.CommandUnavailable,
			Command: command,
		}, nil

	case router.StatusSelection:
		h.mailboxes.Add(res.SelectionID, mailbox)
		return Reply{
			Kind:        ReplySelection,
			Message:     msgs.SelectServer,
			Command:     command,
			Context:     contextName(res.Context),
			SelectionID: res.SelectionID,
			Candidates:  res.Candidates,
		}, nil
	}

	return h.await(ctx, res, mailbox)
}

// Select chooses a server for a selection returned by Invoke and waits for
// the outcome.
func (h *Hub) Select(ctx context.Context, selectionID, serverName string) (Reply, error) {
	if !h.IsRunning() {
		return Reply{}, errNotRunning
	}

	res, err := h.Choose(selectionID, serverName)
	mailbox, ok := h.mailboxes.Get(selectionID)
	h.mailboxes.Remove(selectionID)

	msgs := h.Messages()
	switch {
	case errors.Is(err, router.ErrSelectionExpired):
		return Reply{Kind: ReplySelectionExpired, Message: msgs.SelectionExpired, SelectionID: selectionID}, nil
	case errors.Is(err, router.ErrServerNotFound):
		return Reply{Kind: ReplyServerNotFound, Message: msgs.ServerNotFound, SelectionID: selectionID, ServerName: serverName}, nil
	case err != nil:
		return Reply{}, err
	}

	if !ok {
		// The mailbox was evicted before the selection; the request runs
		// but nobody here can wait for it.
		return Reply{
			Kind:       ReplyDispatched,
			Command:    res.Command,
			RequestID:  res.RequestID,
			ServerName: res.ServerName,
		}, nil
	}

	return h.await(ctx, res, mailbox)
}

func (h *Hub) await(ctx context.Context, res router.Result, mailbox <-chan correlator.Outcome) (Reply, error) {
	select {
	case o := <-mailbox:
		return h.outcomeReply(o, res), nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (h *Hub) outcomeReply(o correlator.Outcome, res router.Result) Reply {
	reply := Reply{
		Command:    o.Command,
		Context:    contextName(res.Context),
		RequestID:  o.RequestID,
		ServerName: o.ServerName,
		LatencyMS:  o.Latency.Milliseconds(),
	}

	switch o.Kind {
	case correlator.OutcomeSuccess:
		reply.Kind = ReplySuccess
		reply.Message = o.Response
		reply.Response = o.Response
	case correlator.OutcomeTimeout:
		reply.Kind = ReplyTimeout
		reply.Message = h.Messages().ResponseTimeout
	default:
		reply.Kind = ReplyAborted
		reply.Message = abortedMessage
	}
	return reply
}

// contextName lets front ends enforce command context without a second
// lookup.
func contextName(c protocol.CommandContext) string {
	if c == "" {
		return ""
	}
	return c.String()
}
