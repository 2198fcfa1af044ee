// Package oracle implements ORACLE (the database worker pool) and LB
// (its load balancer), spec §4.2. Workers are stateless: each
// incoming job is one call into internal/store, i.e. one database
// transaction. The load balancer maintains an idle-worker set and a
// FIFO of parked requests so that exactly one request is outstanding
// per worker at a time, and a client's replies arrive in the order it
// issued its requests.
package oracle

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/store"
)

// job is one unit of work handed to a Worker: a closure over the
// specific ORACLE operation, so the pool itself never needs to know
// the operation catalogue — that lives in ops.go as typed wrappers.
type job struct {
	ctx   context.Context
	fn    func(context.Context, store.Store) (any, error)
	reply chan result
}

type result struct {
	value any
	err   error
}

// Worker is one stateless ORACLE worker: a private Store connection
// and a channel of jobs delivered to it by the LoadBalancer.
type Worker struct {
	id    int
	store store.Store
	jobs  chan *job
	log   *logrus.Entry
}

func newWorker(id int, st store.Store, log *logrus.Entry) *Worker {
	return &Worker{
		id:    id,
		store: st,
		jobs:  make(chan *job),
		log:   log.WithField("worker", id),
	}
}

// run processes jobs until ctx is cancelled, reporting itself free to
// done after each job completes.
func (w *Worker) run(ctx context.Context, done chan<- int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			value, err := w.safeCall(j)
			j.reply <- result{value: value, err: err}
			select {
			case done <- w.id:
			case <-ctx.Done():
				return
			}
		}
	}
}

// safeCall recovers from a panicking operation so a single bad call
// cannot take the worker out of rotation; the store layer classifies
// genuine database failures, panics here would only come from a
// programming error in a typed wrapper.
func (w *Worker) safeCall(j *job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("oracle: operation panicked")
			err = errUnexpected(r)
		}
	}()
	return j.fn(j.ctx, w.store)
}
