package transport

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/relayhub/internal/logging"
	"github.com/postalsys/relayhub/internal/metrics"
	"github.com/postalsys/relayhub/internal/protocol"
)

// Rejection reasons reported to metrics.
const (
	RejectRateLimited    = "rate_limited"
	RejectMaxConnections = "max_connections"
	RejectBanned         = "banned"
)

// AdmissionConfig holds the checks applied to every new connection.
type AdmissionConfig struct {
	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int

	// AcceptRate limits new connections per second (0 = unlimited)
	AcceptRate float64

	// AcceptBurst is the token bucket size for AcceptRate.
	AcceptBurst int

	// Gate is consulted with the source IP before the handler runs.
	// Nil admits everyone.
	Gate Gate

	// GateTimeout bounds a single Gate call.
	GateTimeout time.Duration

	// RejectMessage is sent to connections the Gate refuses.
	RejectMessage string
}

type admission struct {
	cfg     AdmissionConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newAdmission(cfg AdmissionConfig, logger *slog.Logger, m *metrics.Metrics) *admission {
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = 5 * time.Second
	}
	if cfg.RejectMessage == "" {
		cfg.RejectMessage = protocol.ErrTextIPBlocked
	}

	a := &admission{cfg: cfg, logger: logger, metrics: m}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return a
}

// accept applies the cheap checks that run on the accept path. It returns
// an empty string when the connection may proceed.
func (a *admission) accept(active int64) string {
	if a.limiter != nil && !a.limiter.Allow() {
		return RejectRateLimited
	}
	if a.cfg.MaxConnections > 0 && active >= int64(a.cfg.MaxConnections) {
		return RejectMaxConnections
	}
	return ""
}

// rejected records a connection refused on the accept path.
func (a *admission) rejected(reason, remote string) {
	a.metrics.RecordRejected(reason)
	a.logger.Debug("connection rejected",
		logging.KeyRemoteAddr, remote,
		"reason", reason)
}

// gate consults the Gate. A refused connection is sent the rejection
// message; the caller closes it.
func (a *admission) gate(ctx context.Context, conn Conn) bool {
	if a.cfg.Gate == nil {
		return true
	}

	gctx, cancel := context.WithTimeout(ctx, a.cfg.GateTimeout)
	defer cancel()

	if a.cfg.Gate(gctx, conn.IP()) {
		return true
	}

	if err := conn.WriteMessage(a.cfg.RejectMessage); err != nil {
		a.logger.Debug("failed to send rejection",
			logging.KeyRemoteAddr, conn.RemoteAddr(),
			logging.KeyError, err)
	}
	a.rejected(RejectBanned, conn.RemoteAddr())
	return false
}
