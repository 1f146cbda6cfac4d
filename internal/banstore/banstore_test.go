package banstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

func openMemStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()

	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.Clock = clk

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fail(t *testing.T, s *Store, ip string, n int) Record {
	t.Helper()
	var rec Record
	for i := 0; i < n; i++ {
		var err error
		rec, err = s.RecordFailure(context.Background(), ip)
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
	return rec
}

func TestRecordFailure_FirstFailure(t *testing.T) {
	s := openMemStore(t, clock.NewMock())

	rec := fail(t, s, "1.2.3.4", 1)
	if rec.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", rec.Attempts)
	}
	if rec.CurrentBlockSeconds != 300 {
		t.Errorf("CurrentBlockSeconds = %d, want 300", rec.CurrentBlockSeconds)
	}
	if rec.BlockUntil != nil {
		t.Errorf("BlockUntil = %v, want nil", rec.BlockUntil)
	}

	blocked, err := s.IsBlocked(context.Background(), "1.2.3.4")
	if err != nil || blocked {
		t.Errorf("IsBlocked() = %v, %v; want false, nil", blocked, err)
	}
}

func TestRecordFailure_Escalation(t *testing.T) {
	clk := clock.NewMock()
	s := openMemStore(t, clk)
	ctx := context.Background()
	ip := "1.2.3.4"

	wantBlocks := []int64{300, 600, 1200, 2400, 3600, 3600}
	for round, want := range wantBlocks {
		rec := fail(t, s, ip, 9)
		if rec.Attempts != 9 || rec.BlockUntil != nil && rec.Blocked(clk.Now()) {
			t.Fatalf("round %d: blocked before threshold: %+v", round, rec)
		}

		rec = fail(t, s, ip, 1)
		if rec.Attempts != 0 {
			t.Errorf("round %d: Attempts = %d, want 0 after block", round, rec.Attempts)
		}
		if rec.BlockUntil == nil {
			t.Fatalf("round %d: BlockUntil not set", round)
		}
		if got := rec.BlockUntil.Sub(clk.Now()); got != time.Duration(want)*time.Second {
			t.Errorf("round %d: block = %v, want %ds", round, got, want)
		}

		blocked, err := s.IsBlocked(ctx, ip)
		if err != nil || !blocked {
			t.Fatalf("round %d: IsBlocked() = %v, %v; want true", round, blocked, err)
		}

		// Let the block lapse.
		clk.Add(time.Duration(want)*time.Second + time.Second)
		blocked, err = s.IsBlocked(ctx, ip)
		if err != nil || blocked {
			t.Fatalf("round %d: IsBlocked() after expiry = %v, %v; want false", round, blocked, err)
		}
	}
}

func TestClear_ResetsEscalation(t *testing.T) {
	clk := clock.NewMock()
	s := openMemStore(t, clk)
	ctx := context.Background()
	ip := "10.0.0.7"

	fail(t, s, ip, 10)
	fail(t, s, ip, 4)

	if err := s.Clear(ctx, ip); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	blocked, err := s.IsBlocked(ctx, ip)
	if err != nil || blocked {
		t.Errorf("IsBlocked() after Clear = %v, %v; want false", blocked, err)
	}
	if _, err := s.Get(ctx, ip); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Clear error = %v, want ErrNotFound", err)
	}

	rec := fail(t, s, ip, 1)
	if rec.Attempts != 1 || rec.CurrentBlockSeconds != 300 {
		t.Errorf("after Clear: %+v, want attempts=1 current=300", rec)
	}
}

func TestClear_Unknown(t *testing.T) {
	s := openMemStore(t, clock.NewMock())
	if err := s.Clear(context.Background(), "9.9.9.9"); err != nil {
		t.Errorf("Clear() of unknown ip error = %v", err)
	}
}

func TestIPsAreIndependent(t *testing.T) {
	s := openMemStore(t, clock.NewMock())
	ctx := context.Background()

	fail(t, s, "1.1.1.1", 10)
	fail(t, s, "2.2.2.2", 3)

	if blocked, _ := s.IsBlocked(ctx, "1.1.1.1"); !blocked {
		t.Error("1.1.1.1 should be blocked")
	}
	if blocked, _ := s.IsBlocked(ctx, "2.2.2.2"); blocked {
		t.Error("2.2.2.2 should not be blocked")
	}
	if blocked, _ := s.IsBlocked(ctx, "3.3.3.3"); blocked {
		t.Error("unknown ip should not be blocked")
	}
}

func TestList(t *testing.T) {
	s := openMemStore(t, clock.NewMock())
	ctx := context.Background()

	fail(t, s, "192.168.1.20", 2)
	fail(t, s, "10.0.0.1", 10)
	fail(t, s, "172.16.0.5", 1)

	recs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(recs))
	}

	want := []string{"10.0.0.1", "172.16.0.5", "192.168.1.20"}
	for i, rec := range recs {
		if rec.IP != want[i] {
			t.Errorf("List()[%d].IP = %s, want %s", i, rec.IP, want[i])
		}
	}
	if recs[0].BlockUntil == nil {
		t.Error("10.0.0.1 should carry a block")
	}
}

func TestConcurrentFailures(t *testing.T) {
	s := openMemStore(t, clock.NewMock())
	ctx := context.Background()
	ip := "203.0.113.9"

	// 25 concurrent failures must serialize: two blocks, five leftover attempts.
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			_, err := s.RecordFailure(ctx, ip)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	rec, err := s.Get(ctx, ip)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", rec.Attempts)
	}
	if rec.CurrentBlockSeconds != 1200 {
		t.Errorf("CurrentBlockSeconds = %d, want 1200", rec.CurrentBlockSeconds)
	}
}

func TestConcurrentMixedOperations(t *testing.T) {
	s := openMemStore(t, clock.NewMock())
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		ip := fmt.Sprintf("198.51.100.%d", i)
		g.Go(func() error {
			for j := 0; j < 5; j++ {
				if _, err := s.RecordFailure(ctx, ip); err != nil {
					return err
				}
				if _, err := s.IsBlocked(ctx, ip); err != nil {
					return err
				}
			}
			return s.Clear(ctx, ip)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent operations error = %v", err)
	}

	recs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("len(List()) = %d, want 0", len(recs))
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	cfg := DefaultConfig(dir)
	cfg.Clock = clk

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	fail(t, s, "1.2.3.4", 10)
	fail(t, s, "5.6.7.8", 3)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if blocked, err := s.IsBlocked(ctx, "1.2.3.4"); err != nil || !blocked {
		t.Errorf("IsBlocked() after reopen = %v, %v; want true", blocked, err)
	}

	rec, err := s.Get(ctx, "5.6.7.8")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Attempts != 3 {
		t.Errorf("Attempts after reopen = %d, want 3", rec.Attempts)
	}
}

func TestCustomPolicy(t *testing.T) {
	clk := clock.NewMock()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.Clock = clk
	cfg.Policy = Policy{Threshold: 3, InitialBlock: time.Minute, MaxBlock: 90 * time.Second}

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	rec := fail(t, s, "1.2.3.4", 3)
	if got := rec.BlockUntil.Sub(clk.Now()); got != time.Minute {
		t.Errorf("first block = %v, want 1m", got)
	}
	if rec.CurrentBlockSeconds != 90 {
		t.Errorf("CurrentBlockSeconds = %d, want capped 90", rec.CurrentBlockSeconds)
	}
}

func TestClose(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.InMemory = true

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Second close is a no-op.
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	ctx := context.Background()
	if _, err := s.IsBlocked(ctx, "1.2.3.4"); !errors.Is(err, ErrClosed) {
		t.Errorf("IsBlocked() after Close error = %v, want ErrClosed", err)
	}
	if _, err := s.RecordFailure(ctx, "1.2.3.4"); !errors.Is(err, ErrClosed) {
		t.Errorf("RecordFailure() after Close error = %v, want ErrClosed", err)
	}
}

func TestContextCancelled(t *testing.T) {
	s := openMemStore(t, clock.NewMock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either the operation ran before the cancellation was observed or it
	// reports the context error; it must never hang.
	_, err := s.IsBlocked(ctx, "1.2.3.4")
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("IsBlocked() error = %v", err)
	}
}
