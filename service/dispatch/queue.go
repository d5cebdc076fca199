// Package dispatch paces outbound sends per session: one FIFO and at most one
// worker per session, a rolling per-minute cap and a randomized gap between sends.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"msggate/logger"
	"msggate/tools/safe"

	"go.uber.org/zap"
)

const window = time.Minute

var (
	ErrDropped = errors.New("session queue dropped")
	ErrClosed  = errors.New("dispatch queue closed")
)

// Task is one outbound attempt. It runs once; an error is logged and dropped.
type Task func(ctx context.Context) error

// Discard is called instead of the task when a queued task will never run.
type Discard func(reason error)

type Config struct {
	MinInterval  time.Duration
	Jitter       time.Duration // upper bound of the uniform extra delay
	MaxPerMinute int           // 0 disables the cap
	PollInterval time.Duration // recheck period while the cap is reached

	Clock  Clock
	Rand   func(n int64) int64 // uniform in [0, n)
	Logger *zap.Logger
}

func (c *Config) norm() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Rand == nil {
		c.Rand = rand.Int63n
	}
	if c.Logger == nil {
		c.Logger = logger.L()
	}
}

type item struct {
	name       string
	task       Task
	discard    Discard
	enqueuedAt time.Time
}

func discardAll(items []item, reason error) {
	for _, it := range items {
		if it.discard != nil {
			it.discard(reason)
		}
	}
}

type lane struct {
	items       []item
	running     bool
	dropped     bool
	windowStart time.Time
	sent        int
}

type Queue struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

func New(cfg Config) *Queue {
	cfg.norm()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
}

// Enqueue appends task to the session's FIFO and starts its worker if idle.
// Safe to call from inside a running task.
func (q *Queue) Enqueue(sessionID, name string, task Task) {
	q.EnqueueWithDiscard(sessionID, name, task, nil)
}

// EnqueueWithDiscard is Enqueue where discard runs, outside the queue lock,
// if the task is dropped or the queue closes before the task starts.
func (q *Queue) EnqueueWithDiscard(sessionID, name string, task Task, discard Discard) {
	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		q.cfg.Logger.Warn("[dispatch] queue closed, task discarded",
			zap.String("session", sessionID), zap.String("task", name))
		if discard != nil {
			discard(ErrClosed)
		}
		return
	}
	defer q.mu.Unlock()
	l := q.lanes[sessionID]
	if l == nil {
		l = &lane{}
		q.lanes[sessionID] = l
	}
	l.items = append(l.items, item{name: name, task: task, discard: discard, enqueuedAt: q.cfg.Clock.Now()})
	if !l.running {
		l.running = true
		q.wg.Add(1)
		safe.Go("dispatch."+sessionID, func() {
			defer q.wg.Done()
			q.work(sessionID, l)
		})
	}
}

// Drop discards every queued task of the session and forgets its counters.
// A task already running is not interrupted. Discard callbacks get ErrDropped.
func (q *Queue) Drop(sessionID string) int {
	q.mu.Lock()
	l := q.lanes[sessionID]
	if l == nil {
		q.mu.Unlock()
		return 0
	}
	items := l.items
	l.items = nil
	l.dropped = true
	delete(q.lanes, sessionID)
	q.mu.Unlock()

	discardAll(items, ErrDropped)
	return len(items)
}

// Depth reports the number of tasks waiting for the session.
func (q *Queue) Depth(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l := q.lanes[sessionID]; l != nil {
		return len(l.items)
	}
	return 0
}

// Close stops all workers; queued tasks are discarded with ErrClosed.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	var left []item
	for id, l := range q.lanes {
		left = append(left, l.items...)
		l.items = nil
		delete(q.lanes, id)
	}
	q.mu.Unlock()
	discardAll(left, ErrClosed)
}

func (q *Queue) work(sessionID string, l *lane) {
	log := q.cfg.Logger.With(zap.String("session", sessionID))
	for {
		next, ok := q.next(l)
		if !ok {
			return
		}
		if err := q.ctx.Err(); err != nil {
			discardAll([]item{next}, ErrClosed)
			return
		}
		start := q.cfg.Clock.Now()
		if err := next.task(q.ctx); err != nil {
			log.Warn("[dispatch] task failed",
				zap.String("task", next.name),
				zap.Duration("queued", start.Sub(next.enqueuedAt)),
				zap.Error(err))
			continue
		}
		log.Debug("[dispatch] task done", zap.String("task", next.name))
	}
}

// next waits out the pacing rules and pops the head task.
// ok is false when the lane is empty, dropped or the queue is closed.
func (q *Queue) next(l *lane) (item, bool) {
	for {
		q.mu.Lock()
		if l.dropped || len(l.items) == 0 {
			l.running = false
			q.mu.Unlock()
			return item{}, false
		}
		now := q.cfg.Clock.Now()
		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= window {
			l.windowStart = now
			l.sent = 0
		}
		capped := q.cfg.MaxPerMinute > 0 && l.sent >= q.cfg.MaxPerMinute
		q.mu.Unlock()

		if capped {
			if q.sleep(l, q.cfg.PollInterval) != nil {
				return item{}, false
			}
			continue
		}

		if q.sleep(l, q.gap()) != nil {
			return item{}, false
		}

		q.mu.Lock()
		if l.dropped || len(l.items) == 0 {
			l.running = false
			q.mu.Unlock()
			return item{}, false
		}
		head := l.items[0]
		l.items[0] = item{}
		l.items = l.items[1:]
		l.sent++
		q.mu.Unlock()
		return head, true
	}
}

func (q *Queue) sleep(l *lane, d time.Duration) error {
	if err := q.cfg.Clock.Sleep(q.ctx, d); err != nil {
		q.mu.Lock()
		l.running = false
		q.mu.Unlock()
		return err
	}
	return nil
}

func (q *Queue) gap() time.Duration {
	d := q.cfg.MinInterval
	if q.cfg.Jitter > 0 {
		d += time.Duration(q.cfg.Rand(int64(q.cfg.Jitter)))
	}
	return d
}
