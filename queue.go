package switchboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LaneConfig sizes a Lane's admission queue.
type LaneConfig struct {
	// RPM is the release rate ceiling in requests per minute.
	RPM int
	// Capacity is the maximum number of queued requests. Admissions
	// beyond it are rejected immediately.
	Capacity int
	// Timeout is how long a queued request may wait before expiring.
	Timeout time.Duration
}

// ReleaseInterval returns the pause between releases: one release per
// interval yields at most RPM releases per minute.
func (c LaneConfig) ReleaseInterval() time.Duration {
	return time.Minute / time.Duration(c.RPM)
}

// ReleaseTicket is handed to a caller when its queued request is released.
type ReleaseTicket struct {
	ID         string
	EnqueuedAt time.Time
	ReleasedAt time.Time
	WaitedFor  time.Duration
}

// LaneSnapshot is a point-in-time view of a Lane's configuration and counters.
type LaneSnapshot struct {
	Kind            LaneKind      `json:"lane"`
	RPM             int           `json:"rpm"`
	ReleaseInterval time.Duration `json:"release_interval"`
	Capacity        int           `json:"capacity"`
	Timeout         time.Duration `json:"timeout"`

	Enqueued     int64 `json:"enqueued"`
	Released     int64 `json:"released"`
	Rejected     int64 `json:"rejected"`
	Expired      int64 `json:"expired"`
	CurrentDepth int   `json:"current_depth"`
	PeakDepth    int   `json:"peak_depth"`

	// Utilization is CurrentDepth / Capacity.
	Utilization float64 `json:"utilization"`
	// AvgWait is the mean age of currently queued requests.
	AvgWait time.Duration `json:"avg_wait"`
	Running bool          `json:"running"`
}

// releaseOutcome is the one-shot resolution of a queued request.
type releaseOutcome struct {
	ticket ReleaseTicket
	err    error
}

type queuedRequest struct {
	id         string
	enqueuedAt time.Time
	deadline   time.Time
	done       chan releaseOutcome // buffered 1; the engine sends at most once
}

type laneState int

const (
	laneCreated laneState = iota
	laneRunning
	laneStopped
)

// releaseBackoff is the pause after a failed release cycle before the
// engine tries again.
const releaseBackoff = time.Second

// LaneOption configures a Lane.
type LaneOption func(*Lane)

// WithLaneLogger sets the structured logger. If not set, a no-op logger is used.
func WithLaneLogger(l *slog.Logger) LaneOption {
	return func(q *Lane) { q.logger = l }
}

// Lane is a FIFO admission queue that releases at most one request per
// release interval. Callers block in Admit until their request is
// released, rejected for capacity, or expired.
//
// One mutex guards the queue and all counters. The release engine is a
// single goroutine; it alone moves requests out of the queue while
// running, so releases are strictly FIFO among non-expired requests and
// the counters always satisfy
//
//	enqueued == released + rejected + expired + currentDepth
//
// A caller that abandons its wait (context cancellation) leaves its
// request queued; the engine later releases or expires it and the
// resulting ticket is dropped. Counters are engine-driven, so such
// orphans never skew accounting.
type Lane struct {
	kind   LaneKind
	cfg    LaneConfig
	logger *slog.Logger

	mu        sync.Mutex
	queue     []*queuedRequest
	enqueued  int64
	released  int64
	rejected  int64
	expired   int64
	peakDepth int
	state     laneState

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLane creates a Lane. Zero or negative config fields are clamped to
// minimal working values; validated configuration should come from
// config.Load.
func NewLane(kind LaneKind, cfg LaneConfig, opts ...LaneOption) *Lane {
	if cfg.RPM < 1 {
		cfg.RPM = 1
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	q := &Lane{
		kind: kind,
		cfg:  cfg,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = nopLogger
	}
	return q
}

// Start launches the release engine. No-op if already running or stopped.
// Requests admitted before Start wait until the engine begins releasing.
func (q *Lane) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != laneCreated {
		return
	}
	q.state = laneRunning
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	go q.engine()
	q.logger.Info("lane started",
		"lane", q.kind,
		"rpm", q.cfg.RPM,
		"release_interval", q.cfg.ReleaseInterval(),
		"capacity", q.cfg.Capacity,
		"timeout", q.cfg.Timeout)
}

// Stop halts the engine and resolves every queued request with
// ErrShuttingDown. Idempotent. Blocks until the engine has exited; the
// lane cannot be restarted.
func (q *Lane) Stop() {
	q.mu.Lock()
	if q.state == laneStopped {
		q.mu.Unlock()
		return
	}
	wasRunning := q.state == laneRunning
	q.state = laneStopped
	q.mu.Unlock()

	if wasRunning {
		close(q.stopCh)
		<-q.doneCh
	}

	q.mu.Lock()
	remaining := q.queue
	q.queue = nil
	q.expired += int64(len(remaining))
	q.mu.Unlock()

	for _, req := range remaining {
		req.done <- releaseOutcome{err: &ErrShuttingDown{Lane: q.kind}}
	}
	q.logger.Info("lane stopped", "lane", q.kind, "drained", len(remaining))
}

// Admit enqueues a request and blocks until it is released, expires, or
// ctx is cancelled. A full queue rejects immediately with ErrQueueFull.
// A stopped lane rejects with ErrShuttingDown.
func (q *Lane) Admit(ctx context.Context, id string) (ReleaseTicket, error) {
	q.mu.Lock()
	if q.state == laneStopped {
		q.mu.Unlock()
		return ReleaseTicket{}, &ErrShuttingDown{Lane: q.kind}
	}
	if len(q.queue) >= q.cfg.Capacity {
		// Rejected attempts count on both sides of the conservation
		// equation: enqueued and rejected move together.
		q.enqueued++
		q.rejected++
		q.mu.Unlock()
		return ReleaseTicket{}, &ErrQueueFull{Lane: q.kind, Capacity: q.cfg.Capacity}
	}
	now := time.Now()
	req := &queuedRequest{
		id:         id,
		enqueuedAt: now,
		deadline:   now.Add(q.cfg.Timeout),
		done:       make(chan releaseOutcome, 1),
	}
	q.queue = append(q.queue, req)
	q.enqueued++
	if d := len(q.queue); d > q.peakDepth {
		q.peakDepth = d
	}
	q.mu.Unlock()

	// The caller owns its deadline so a stalled engine cannot delay the
	// timeout report. The entry itself stays queued until the engine
	// drains it; only the engine touches counters.
	timer := time.NewTimer(q.cfg.Timeout)
	defer timer.Stop()

	select {
	case out := <-req.done:
		return out.ticket, out.err
	case <-timer.C:
		return ReleaseTicket{}, &ErrQueueTimeout{Lane: q.kind, Waited: time.Since(now)}
	case <-ctx.Done():
		return ReleaseTicket{}, ctx.Err()
	}
}

// Stats returns a snapshot of the lane's configuration and counters.
func (q *Lane) Stats() LaneSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := LaneSnapshot{
		Kind:            q.kind,
		RPM:             q.cfg.RPM,
		ReleaseInterval: q.cfg.ReleaseInterval(),
		Capacity:        q.cfg.Capacity,
		Timeout:         q.cfg.Timeout,
		Enqueued:        q.enqueued,
		Released:        q.released,
		Rejected:        q.rejected,
		Expired:         q.expired,
		CurrentDepth:    len(q.queue),
		PeakDepth:       q.peakDepth,
		Utilization:     float64(len(q.queue)) / float64(q.cfg.Capacity),
		Running:         q.state == laneRunning,
	}
	if n := len(q.queue); n > 0 {
		now := time.Now()
		var total time.Duration
		for _, req := range q.queue {
			total += now.Sub(req.enqueuedAt)
		}
		snap.AvgWait = total / time.Duration(n)
	}
	return snap
}

// engine is the release loop: sleep one interval, then run a release
// cycle. A failed cycle is logged and backed off; the loop never exits
// on error, only on Stop.
func (q *Lane) engine() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		case <-time.After(q.cfg.ReleaseInterval()):
		}
		if err := q.releaseOne(); err != nil {
			q.logger.Error("release cycle failed", "lane", q.kind, "error", err)
			select {
			case <-q.stopCh:
				return
			case <-time.After(releaseBackoff):
			}
		}
	}
}

// releaseOne drains expired requests from the head of the queue, then
// releases the first live one. Expired requests consume no release slot.
func (q *Lane) releaseOne() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("release panic: %v", p)
		}
	}()

	now := time.Now()
	q.mu.Lock()
	if q.state != laneRunning {
		q.mu.Unlock()
		return nil
	}

	for len(q.queue) > 0 && q.queue[0].deadline.Before(now) {
		req := q.queue[0]
		q.queue = q.queue[1:]
		q.expired++
		req.done <- releaseOutcome{err: &ErrQueueTimeout{Lane: q.kind, Waited: now.Sub(req.enqueuedAt)}}
		q.logger.Debug("request expired in queue",
			"lane", q.kind, "id", req.id, "waited", now.Sub(req.enqueuedAt))
	}

	if len(q.queue) == 0 {
		q.mu.Unlock()
		return nil
	}

	req := q.queue[0]
	q.queue = q.queue[1:]
	q.released++
	q.mu.Unlock()

	waited := now.Sub(req.enqueuedAt)
	req.done <- releaseOutcome{ticket: ReleaseTicket{
		ID:         req.id,
		EnqueuedAt: req.enqueuedAt,
		ReleasedAt: now,
		WaitedFor:  waited,
	}}
	q.logger.Debug("request released", "lane", q.kind, "id", req.id, "waited", waited)
	return nil
}
