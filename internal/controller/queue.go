// SPDX-License-Identifier: Apache-2.0

// Package controller provides the shared work-queue dispatcher every
// reconciling component is built on: a per-(kind, key) rate-limited
// queue enforcing that at most one reconcile of a given object is ever
// in flight, plus the Transient/Permanent error classification the
// workers act on.
package controller

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"
)

// Key identifies one unit of work: a namespace/name pair (namespace
// empty for cluster-scoped kinds).
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "/" + k.Name
}

// ReconcileFunc is the per-key reconcile body. Returning a *Transient
// requeues with backoff; returning nil (or a *Permanent, after the
// object's condition is set by the caller) drops the key until it is
// re-enqueued by a watch event.
type ReconcileFunc func(ctx context.Context, key Key) error

// Transient wraps an error that should be retried with exponential
// backoff: network errors, provider rate limits, store
// conflicts.
type Transient struct{ Err error }

func (t *Transient) Error() string { return t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// Permanent wraps an error that should NOT be retried until the object's
// generation advances: an invalid spec detected at apply
// time. Callers are expected to have already written a ReconcileFailed
// condition before returning this.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// defaultBackoff retries transient failures at 1s doubling to a 60s
// cap, so a persistently failing key settles at one attempt per minute
// instead of hammering the store. The base
// exponential item rate limiter below is configured explicitly instead
// of relying on the library default so the 1s/60s bounds are exact.
func defaultBackoff() workqueue.TypedRateLimiter[Key] {
	return workqueue.NewTypedItemExponentialFailureRateLimiter[Key](time.Second, 60*time.Second)
}

// Queue runs a bounded pool of workers draining a rate-limited queue of
// Keys, calling fn for each and requeueing transient failures with
// backoff. Processing of any single Key is always serialized because workqueue
// itself refuses to hand out a key that is already "processing".
type Queue struct {
	name string
	log  logr.Logger
	q    workqueue.TypedRateLimitingInterface[Key]
	fn   ReconcileFunc
}

// NewQueue constructs a Queue named name (used only for logging).
func NewQueue(name string, log logr.Logger, fn ReconcileFunc) *Queue {
	return &Queue{
		name: name,
		log:  log.WithValues("controller", name),
		q: workqueue.NewTypedRateLimitingQueueWithConfig(defaultBackoff(),
			workqueue.TypedRateLimitingQueueConfig[Key]{Name: name}),
		fn: fn,
	}
}

// Add enqueues key for reconciliation. Safe to call from a watch
// callback or from inside another reconcile.
func (r *Queue) Add(key Key) { r.q.Add(key) }

// AddAfter enqueues key after a delay, used for periodic re-syncs.
func (r *Queue) AddAfter(key Key, d time.Duration) { r.q.AddAfter(key, d) }

// Run starts workers workers, each pulling from the shared queue, until
// ctx is cancelled. It blocks until every worker has exited, respecting
// the shutdown budget the caller enforces via ctx.
func (r *Queue) Run(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		r.q.ShutDown()
	}()

	var running int
	results := make(chan struct{})
	for i := 0; i < workers; i++ {
		running++
		go func() {
			r.worker(ctx)
			results <- struct{}{}
		}()
	}
	go func() {
		for i := 0; i < running; i++ {
			<-results
		}
		close(done)
	}()
	<-done
}

func (r *Queue) worker(ctx context.Context) {
	for r.processNext(ctx) {
	}
}

func (r *Queue) processNext(ctx context.Context) bool {
	key, shutdown := r.q.Get()
	if shutdown {
		return false
	}
	defer r.q.Done(key)

	err := r.fn(ctx, key)
	switch {
	case err == nil:
		r.q.Forget(key)
	case isTransient(err):
		r.log.V(1).Info("requeueing after transient error", "key", key.String(), "error", err.Error())
		r.q.AddRateLimited(key)
	default:
		// Permanent or unclassified: log and drop. The object will be
		// re-enqueued by the watch loop once its generation advances.
		r.log.Error(err, "reconcile failed, not requeueing", "key", key.String())
		r.q.Forget(key)
	}
	return true
}

func isTransient(err error) bool {
	_, ok := err.(*Transient)
	return ok
}
