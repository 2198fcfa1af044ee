package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/errs"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/store"
)

func errUnexpected(r any) error {
	return errs.New(errs.KindDBUnavailable, "oracle.Worker", fmt.Errorf("panic: %v", r))
}

// LoadBalancer is LB: it owns a fixed pool of Workers, an idle set and
// a FIFO of requests parked while every worker is busy (spec §4.2).
type LoadBalancer struct {
	log     *logrus.Entry
	metrics *metrics.Recorder
	timeout time.Duration

	workers []*Worker
	byID    map[int]*Worker

	submit chan *job
	free   chan int

	done chan struct{}
}

// New starts a LoadBalancer over workers built from the given Stores,
// one connection per worker per spec §9. callTimeout bounds how long
// a caller waits for an idle worker plus the operation itself before
// the request is reported as errs.KindDBUnavailable.
func New(ctx context.Context, stores []store.Store, rec *metrics.Recorder, log *logrus.Entry, callTimeout time.Duration) *LoadBalancer {
	lb := &LoadBalancer{
		log:     log,
		metrics: rec,
		timeout: callTimeout,
		byID:    make(map[int]*Worker, len(stores)),
		submit:  make(chan *job),
		free:    make(chan int, len(stores)),
		done:    make(chan struct{}),
	}

	for i, st := range stores {
		w := newWorker(i, st, log)
		lb.workers = append(lb.workers, w)
		lb.byID[i] = w
		go w.run(ctx, lb.free)
	}

	go lb.run(ctx)
	return lb
}

func (lb *LoadBalancer) run(ctx context.Context) {
	defer close(lb.done)

	idle := make([]int, 0, len(lb.workers))
	for _, w := range lb.workers {
		idle = append(idle, w.id)
	}
	var parked []*job

	for {
		select {
		case <-ctx.Done():
			return

		case j := <-lb.submit:
			if len(idle) > 0 {
				id := idle[0]
				idle = idle[1:]
				lb.dispatch(id, j)
			} else {
				parked = append(parked, j)
				lb.gauge("oracle_parked_requests", float64(len(parked)))
			}

		case id := <-lb.free:
			if len(parked) > 0 {
				j := parked[0]
				parked = parked[1:]
				lb.gauge("oracle_parked_requests", float64(len(parked)))
				lb.dispatch(id, j)
			} else {
				idle = append(idle, id)
			}
			lb.gauge("oracle_idle_workers", float64(len(idle)))
		}
	}
}

func (lb *LoadBalancer) dispatch(workerID int, j *job) {
	w := lb.byID[workerID]
	select {
	case w.jobs <- j:
	case <-j.ctx.Done():
		// The worker did not accept before the call's deadline (e.g. its
		// goroutine has already exited during shutdown).
		j.reply <- result{err: errs.New(errs.KindDBUnavailable, "oracle.dispatch", fmt.Errorf("worker %d unavailable", workerID))}
	}
}

func (lb *LoadBalancer) gauge(name string, value float64) {
	if lb.metrics != nil {
		lb.metrics.Gauge(name, nil, value)
	}
}

// call submits fn to the pool and blocks for its result, a parked
// slot, or timeout — whichever comes first. It is the single
// synchronization point every typed operation in ops.go goes through.
func (lb *LoadBalancer) call(ctx context.Context, fn func(context.Context, store.Store) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, lb.timeout)
	defer cancel()

	j := &job{ctx: callCtx, fn: fn, reply: make(chan result, 1)}

	select {
	case lb.submit <- j:
	case <-callCtx.Done():
		return nil, errs.New(errs.KindTimeout, "oracle.call", callCtx.Err())
	}

	select {
	case r := <-j.reply:
		return r.value, r.err
	case <-callCtx.Done():
		return nil, errs.New(errs.KindDBUnavailable, "oracle.call", callCtx.Err())
	}
}

// Shutdown blocks until the balancer's run loop has exited, used by
// SUPERVISOR's QUIT sequence which stops ORACLE last (spec §4.10).
func (lb *LoadBalancer) Shutdown() {
	<-lb.done
}
