package walletstore

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/pingu-73/kvdb-wallet-storage/changeset"
)

// persistReq couples one changeset with the channel its result is
// delivered on.
type persistReq struct {
	cs   *changeset.ChangeSet
	resp chan error
}

// initReq carries the response channel for an asynchronous load.
type initReq struct {
	resp chan fn.Result[*changeset.ChangeSet]
}

// AsyncPersister exposes a Persister to callers that must not block on
// file I/O. All store transactions run on a single worker goroutine, so
// concurrent callers serialize at the transaction boundary and no call is
// reordered or batched: each request commits (or fails) before its result
// is delivered. The shim adds no semantics of its own, the atomicity and
// conflict contract is exactly that of the wrapped Persister.
type AsyncPersister struct {
	started sync.Once
	stopped sync.Once

	store Persister

	persistReqs chan *persistReq
	initReqs    chan *initReq

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewAsyncPersister wraps the given store. Start must be called before any
// requests are submitted.
func NewAsyncPersister(store Persister) *AsyncPersister {
	return &AsyncPersister{
		store:       store,
		persistReqs: make(chan *persistReq),
		initReqs:    make(chan *initReq),
		quit:        make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (a *AsyncPersister) Start() error {
	a.started.Do(func() {
		a.wg.Add(1)
		go a.worker()
	})

	return nil
}

// Stop shuts down the worker. Requests already picked up by the worker run
// to completion first; requests not yet submitted fail with
// ErrStoreShutdown.
func (a *AsyncPersister) Stop() error {
	a.stopped.Do(func() {
		close(a.quit)
		a.wg.Wait()
	})

	return nil
}

// worker owns all blocking store calls, processing requests strictly in
// submission order.
func (a *AsyncPersister) worker() {
	defer a.wg.Done()

	for {
		select {
		case req := <-a.persistReqs:
			req.resp <- a.store.Persist(req.cs)

		case req := <-a.initReqs:
			cs, err := a.store.Initialize()
			if err != nil {
				req.resp <- fn.Err[*changeset.ChangeSet](err)
				continue
			}

			req.resp <- fn.Ok(cs)

		case <-a.quit:
			return
		}
	}
}

// Initialize asynchronously loads the aggregate changeset. The returned
// channel receives exactly one result. Cancelling the context before the
// request is picked up delivers the context error instead; once the worker
// has started the load, it runs to completion regardless.
func (a *AsyncPersister) Initialize(
	ctx context.Context) <-chan fn.Result[*changeset.ChangeSet] {

	req := &initReq{
		resp: make(chan fn.Result[*changeset.ChangeSet], 1),
	}

	select {
	case a.initReqs <- req:

	case <-ctx.Done():
		req.resp <- fn.Err[*changeset.ChangeSet](ctx.Err())

	case <-a.quit:
		req.resp <- fn.Err[*changeset.ChangeSet](ErrStoreShutdown)
	}

	return req.resp
}

// Persist asynchronously applies one changeset. The returned channel
// receives exactly one result: nil once the changeset has durably
// committed, or the error that left the store untouched. Cancelling the
// context only abandons a request the worker has not yet picked up; a
// write in flight always runs to its commit or abort.
func (a *AsyncPersister) Persist(ctx context.Context,
	cs *changeset.ChangeSet) <-chan error {

	req := &persistReq{
		cs:   cs,
		resp: make(chan error, 1),
	}

	select {
	case a.persistReqs <- req:

	case <-ctx.Done():
		req.resp <- ctx.Err()

	case <-a.quit:
		req.resp <- ErrStoreShutdown
	}

	return req.resp
}
