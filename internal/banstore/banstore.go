// Package banstore persists escalating IP blocks for agents that fail to
// authenticate.
//
// Every operation runs on a single worker goroutine, so the read-modify-write
// in RecordFailure never interleaves with another operation on the same IP.
// Records are stored in Badger, one JSON value per IP.
package banstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v4"

	"github.com/postalsys/relayhub/internal/logging"
	"github.com/postalsys/relayhub/internal/metrics"
	"github.com/postalsys/relayhub/internal/recovery"
)

const keyPrefix = "ip/"

var (
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("ban store closed")

	// ErrNotFound is returned by Get when no record exists for an IP.
	ErrNotFound = errors.New("no ban record")
)

// Record is the persisted failure state of one source IP.
type Record struct {
	IP                  string     `json:"ip"`
	Attempts            int        `json:"attempts"`
	BlockUntil          *time.Time `json:"block_until,omitempty"`
	CurrentBlockSeconds int64      `json:"current_block_seconds"`
}

// Blocked reports whether the record blocks its IP at time now.
func (r Record) Blocked(now time.Time) bool {
	return r.BlockUntil != nil && r.BlockUntil.After(now)
}

// Policy controls ban escalation.
type Policy struct {
	// Threshold is the number of failures that triggers a block.
	Threshold int

	// InitialBlock is the first block duration for a new record.
	InitialBlock time.Duration

	// MaxBlock caps the doubling block duration.
	MaxBlock time.Duration
}

// DefaultPolicy returns the standard escalation policy.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:    10,
		InitialBlock: 300 * time.Second,
		MaxBlock:     3600 * time.Second,
	}
}

// Config configures a Store.
type Config struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all records in memory.
	InMemory bool

	Policy  Policy
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// QueueSize bounds the number of operations waiting for the worker.
	QueueSize int
}

// DefaultConfig returns a Config with the default policy.
func DefaultConfig(path string) Config {
	return Config{
		Path:      path,
		Policy:    DefaultPolicy(),
		QueueSize: 256,
	}
}

type result struct {
	rec     Record
	recs    []Record
	blocked bool
	err     error
}

type op struct {
	run  func() result
	done chan result
}

// Store is a persisted, serialized ban store.
type Store struct {
	db      *badger.DB
	policy  Policy
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	ops        chan op
	stopCh     chan struct{}
	workerDone chan struct{}
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// Open opens (or creates) a store and starts its worker.
func Open(cfg Config) (*Store, error) {
	if cfg.Policy.Threshold < 1 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}

	logger := cfg.Logger.With(logging.KeyComponent, "banstore")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("ban store path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ban store: %w", err)
	}

	s := &Store{
		db:         db,
		policy:     cfg.Policy,
		clock:      cfg.Clock,
		logger:     logger,
		metrics:    cfg.Metrics,
		ops:        make(chan op, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		workerDone: make(chan struct{}),
	}

	go s.worker()

	return s, nil
}

func (s *Store) worker() {
	defer close(s.workerDone)

	for {
		select {
		case o := <-s.ops:
			s.execute(o)
		case <-s.stopCh:
			// Drain what was already queued.
			for {
				select {
				case o := <-s.ops:
					s.execute(o)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) execute(o op) {
	var r result
	func() {
		defer func() {
			if p := recover(); p != nil {
				recovery.LogPanic(s.logger, "banstore.worker", p)
				r = result{err: fmt.Errorf("ban store operation panicked: %v", p)}
			}
		}()
		r = o.run()
	}()
	o.done <- r
}

// submit queues fn on the worker and waits for its result.
func (s *Store) submit(ctx context.Context, fn func() result) result {
	if s.closed.Load() {
		return result{err: ErrClosed}
	}

	o := op{run: fn, done: make(chan result, 1)}

	select {
	case s.ops <- o:
	case <-s.stopCh:
		return result{err: ErrClosed}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}

	select {
	case r := <-o.done:
		return r
	case <-s.workerDone:
		select {
		case r := <-o.done:
			return r
		default:
			return result{err: ErrClosed}
		}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

// IsBlocked reports whether ip has an unexpired block. On a storage error
// it returns false along with the error so callers can fail open.
func (s *Store) IsBlocked(ctx context.Context, ip string) (bool, error) {
	r := s.submit(ctx, func() result {
		rec, found, err := s.load(ip)
		if err != nil || !found {
			return result{err: err}
		}
		return result{blocked: rec.Blocked(s.clock.Now())}
	})
	if r.err != nil {
		return false, r.err
	}
	return r.blocked, nil
}

// RecordFailure counts a failed authentication from ip and blocks it once
// the threshold is reached. It returns the updated record.
func (s *Store) RecordFailure(ctx context.Context, ip string) (Record, error) {
	r := s.submit(ctx, func() result {
		var rec Record
		blocked := false

		err := s.db.Update(func(txn *badger.Txn) error {
			existing, found, err := getRecord(txn, ip)
			if err != nil {
				return err
			}
			if found {
				rec = existing
			} else {
				rec = Record{
					IP:                  ip,
					CurrentBlockSeconds: int64(s.policy.InitialBlock / time.Second),
				}
			}

			rec.Attempts++
			if rec.Attempts >= s.policy.Threshold {
				until := s.clock.Now().Add(time.Duration(rec.CurrentBlockSeconds) * time.Second).UTC()
				rec.BlockUntil = &until
				rec.Attempts = 0
				rec.CurrentBlockSeconds = min(rec.CurrentBlockSeconds*2, int64(s.policy.MaxBlock/time.Second))
				blocked = true
			}

			return putRecord(txn, rec)
		})
		if err != nil {
			return result{err: err}
		}

		s.metrics.RecordBanFailure(blocked)
		if blocked {
			s.logger.Warn("IP blocked",
				logging.KeyIP, ip,
				"until", rec.BlockUntil.Format(time.RFC3339),
				"next_block_seconds", rec.CurrentBlockSeconds)
		}
		return result{rec: rec}
	})
	if r.err != nil {
		return Record{}, fmt.Errorf("record failure for %s: %w", ip, r.err)
	}
	return r.rec, nil
}

// Clear deletes the record for ip.
func (s *Store) Clear(ctx context.Context, ip string) error {
	r := s.submit(ctx, func() result {
		return result{err: s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(recordKey(ip))
		})}
	})
	if r.err != nil {
		return fmt.Errorf("clear %s: %w", ip, r.err)
	}
	return nil
}

// Get returns the record for ip, or ErrNotFound.
func (s *Store) Get(ctx context.Context, ip string) (Record, error) {
	r := s.submit(ctx, func() result {
		rec, found, err := s.load(ip)
		if err != nil {
			return result{err: err}
		}
		if !found {
			return result{err: ErrNotFound}
		}
		return result{rec: rec}
	})
	return r.rec, r.err
}

// List returns every stored record ordered by IP.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	r := s.submit(ctx, func() result {
		var recs []Record
		err := s.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			prefix := []byte(keyPrefix)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				data, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				var rec Record
				if err := json.Unmarshal(data, &rec); err != nil {
					s.logger.Warn("skipping corrupt ban record",
						"key", string(it.Item().Key()),
						logging.KeyError, err)
					continue
				}
				recs = append(recs, rec)
			}
			return nil
		})
		return result{recs: recs, err: err}
	})
	if r.err != nil {
		return nil, r.err
	}

	sort.Slice(r.recs, func(i, j int) bool {
		return strings.Compare(r.recs[i].IP, r.recs[j].IP) < 0
	})
	return r.recs, nil
}

// Close stops the worker after queued operations finish and closes the
// database. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopCh)
		<-s.workerDone
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) load(ip string) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, found, err = getRecord(txn, ip)
		return err
	})
	return rec, found, err
}

func recordKey(ip string) []byte {
	return []byte(keyPrefix + ip)
}

func getRecord(txn *badger.Txn, ip string) (Record, bool, error) {
	item, err := txn.Get(recordKey(ip))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode ban record: %w", err)
	}
	return rec, true, nil
}

func putRecord(txn *badger.Txn, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(rec.IP), data)
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
