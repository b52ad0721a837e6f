// Package queue implements ExecutionQueue: a per-key FIFO task serializer
// with a global cap on how many keys may be running concurrently. The
// worker-loop shape is grounded on the teacher's
// controller/ca/controller.go CertificateController (a single
// workqueue.RateLimitingInterface drained by a worker goroutine); here it
// is generalized to one such chain per key, with
// golang.org/x/sync/semaphore bounding how many chains run at once instead
// of a single global queue.
package queue

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/streamstore/streamstore"
)

// Task is a unit of work submitted to a Queue for a given key. It receives
// a background context that is never cancelled; a task that has not started
// when the queue is closed is not run at all and its submitter gets
// ErrQueueClosed.
type Task func(ctx context.Context) (interface{}, error)

type request struct {
	task   Task
	result chan result
}

type result struct {
	value interface{}
	err   error
}

type chain struct {
	mu      sync.Mutex
	pending []*request
	running bool
}

// Queue is a named ExecutionQueue: tasks submitted for the same key run
// strictly in submission order, and at most concurrencyLimit keys have a
// task executing at any moment.
type Queue struct {
	name string
	sem  *semaphore.Weighted
	log  *log.Entry
	wg   sync.WaitGroup

	mu     sync.Mutex
	chains map[streamstore.StreamID]*chain
	closed bool

	tasksTotal   *prometheus.CounterVec
	chainsActive prometheus.Gauge
}

var (
	tasksTotalVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamstore_queue_tasks_total",
		Help: "Tasks processed by an ExecutionQueue, by queue name and outcome.",
	}, []string{"queue", "outcome"})
	chainsActiveVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamstore_queue_chains_active",
		Help: "Number of keys with a non-empty task chain in an ExecutionQueue.",
	}, []string{"queue"})
)

// New returns a Queue named name with the given global concurrency cap.
func New(name string, concurrencyLimit int64) *Queue {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}
	return &Queue{
		name:         name,
		sem:          semaphore.NewWeighted(concurrencyLimit),
		log:          log.WithFields(log.Fields{"component": "execution-queue", "queue": name}),
		chains:       make(map[streamstore.StreamID]*chain),
		tasksTotal:   tasksTotalVec,
		chainsActive: chainsActiveVec.WithLabelValues(name),
	}
}

// Submit enqueues task for key and blocks until it runs and completes, or
// the queue rejects it because it is closed. Tasks for the same key always
// run in submission order; tasks for different keys may run concurrently
// up to the queue's concurrency limit.
func (q *Queue) Submit(ctx context.Context, key streamstore.StreamID, task Task) (interface{}, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, streamstore.ErrQueueClosed
	}
	c, ok := q.chains[key]
	if !ok {
		c = &chain{}
		q.chains[key] = c
		q.chainsActive.Set(float64(len(q.chains)))
	}
	q.mu.Unlock()

	req := &request{task: task, result: make(chan result, 1)}

	c.mu.Lock()
	c.pending = append(c.pending, req)
	shouldStart := !c.running
	if shouldStart {
		c.running = true
	}
	c.mu.Unlock()

	if shouldStart {
		q.wg.Add(1)
		go q.drain(key, c)
	}

	select {
	case r := <-req.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain runs every pending task on c, one at a time, until the chain is
// empty, then prunes it from the map. Tasks run to completion regardless
// of whether their submitter is still waiting: per the spec, there is no
// per-call cancellation, only timeouts composed by the caller around
// Submit.
func (q *Queue) drain(key streamstore.StreamID, c *chain) {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.running = false
			c.mu.Unlock()
			q.pruneIfEmpty(key, c)
			return
		}
		req := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			req.result <- result{err: streamstore.ErrQueueClosed}
			q.tasksTotal.WithLabelValues(q.name, "rejected_closed").Inc()
			continue
		}

		if err := q.sem.Acquire(ctx, 1); err != nil {
			req.result <- result{err: err}
			q.tasksTotal.WithLabelValues(q.name, "rejected_cancelled").Inc()
			continue
		}
		value, err := req.task(ctx)
		q.sem.Release(1)

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		q.tasksTotal.WithLabelValues(q.name, outcome).Inc()
		req.result <- result{value: value, err: err}
	}
}

func (q *Queue) pruneIfEmpty(key streamstore.StreamID, c *chain) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c.mu.Lock()
	empty := len(c.pending) == 0 && !c.running
	c.mu.Unlock()
	if empty && q.chains[key] == c {
		delete(q.chains, key)
		q.chainsActive.Set(float64(len(q.chains)))
	}
}

// Close fails every task not yet started with ErrQueueClosed, rejects all
// subsequent submissions the same way, then awaits every chain's
// already-running task to completion before returning. It is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	chains := make([]*chain, 0, len(q.chains))
	for _, c := range q.chains {
		chains = append(chains, c)
	}
	q.mu.Unlock()

	for _, c := range chains {
		c.mu.Lock()
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, req := range pending {
			req.result <- result{err: streamstore.ErrQueueClosed}
		}
	}
	q.wg.Wait()
	q.log.Info("execution queue closed")
}
