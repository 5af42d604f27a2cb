// Package worker runs account jobs on a bounded pool of browser sessions.
//
// At most MaxWorkers sessions are open at once; the limit can be changed while
// the pool runs with Resize. Each account has at most one job in flight, from
// submission until the job's outcome has been written.
// Every job runs under a hard timeout; a job that overruns has its session
// force-closed and is recorded as failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/browser"
	"github.com/entrhq/accountforge/pkg/config"
	"github.com/entrhq/accountforge/pkg/logging"
	"github.com/entrhq/accountforge/pkg/pipeline"
	"github.com/entrhq/accountforge/pkg/store"
	"github.com/google/uuid"
)

const (
	DefaultQueueSize  = 256
	DefaultJobTimeout = 5 * time.Minute
	DefaultGrace      = 10 * time.Second

	// finalizeTimeout bounds the store write that records a job's outcome.
	finalizeTimeout = 10 * time.Second
)

// Options configures a Pool.
type Options struct {
	Store       store.Store
	Factory     browser.Factory
	Fingerprint browser.Fingerprint
	Pipelines   map[Operation]pipeline.Pipeline

	MaxWorkers int
	QueueSize  int
	JobTimeout time.Duration
	// Grace is how long a force-closed pipeline gets to return.
	Grace time.Duration

	Logger *logging.Logger
	Clock  func() time.Time
}

// Stats is a snapshot of the pool.
type Stats struct {
	Running    int `json:"running"`
	Queued     int `json:"queued"`
	MaxWorkers int `json:"max_workers"`
	QueueSize  int `json:"queue_size"`
}

// Pool runs jobs with bounded concurrency.
type Pool struct {
	opts  Options
	log   *logging.Logger
	queue chan *Handle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	inflight    map[string]*Handle
	running     int
	closed      bool
	limit       int
	// wake is closed and replaced whenever a run slot may have opened up
	wake        chan struct{}
	fingerprint browser.Fingerprint
}

// New validates opts and starts the workers.
func New(opts Options) (*Pool, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: worker pool needs a store", account.ErrConfig)
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("%w: worker pool needs a session factory", account.ErrConfig)
	}
	if len(opts.Pipelines) == 0 {
		return nil, fmt.Errorf("%w: worker pool needs at least one pipeline", account.ErrConfig)
	}
	opts.MaxWorkers = config.ClampWorkers(opts.MaxWorkers)
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:     opts,
		log:      opts.Logger,
		queue:    make(chan *Handle, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*Handle),

		limit:       opts.MaxWorkers,
		wake:        make(chan struct{}),
		fingerprint: opts.Fingerprint,
	}

	p.log.Infof("starting pool (max_workers=%d, queue_size=%d, job_timeout=%v)", opts.MaxWorkers, opts.QueueSize, opts.JobTimeout)
	// Enough goroutines for the largest limit; acquire enforces the current one
	for i := 0; i < config.MaxWorkersLimit; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

// Resize sets the number of jobs that may run at once, clamped to the
// supported range, and returns the value applied. After a decrease, running
// jobs above the new limit finish normally.
func (p *Pool) Resize(n int) int {
	n = config.ClampWorkers(n)
	p.mu.Lock()
	defer p.mu.Unlock()
	if n != p.limit {
		p.log.Infof("max workers %d -> %d", p.limit, n)
		p.limit = n
		p.wakeLocked()
	}
	return n
}

func (p *Pool) wakeLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// SetFingerprint replaces the fingerprint used for sessions opened from now on.
func (p *Pool) SetFingerprint(fp browser.Fingerprint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fingerprint = fp
}

// Fingerprint returns the fingerprint new sessions are opened with.
func (p *Pool) Fingerprint() browser.Fingerprint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fingerprint
}

// Submit validates the account's state for job.Op, reserves the account and
// queues the job. It fails with ErrAlreadyInProgress when the account has a
// job in flight and with ErrResourceExhausted when the queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) (*Handle, error) {
	job.Email = account.NormalizeEmail(job.Email)
	if _, ok := p.opts.Pipelines[job.Op]; !ok {
		return nil, fmt.Errorf("%w: no pipeline for operation %q", account.ErrConfig, job.Op)
	}

	h := newHandle(p.ctx, uuid.New().String(), job, p.opts.Clock())

	p.mu.Lock()
	if err := p.admit(job.Email); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.inflight[job.Email] = h
	p.mu.Unlock()

	if err := p.prepare(ctx, job); err != nil {
		p.release(h)
		return nil, err
	}
	if h.ctx.Err() != nil {
		p.release(h)
		return nil, fmt.Errorf("%w: job for %s stopped during submission", account.ErrCancelled, job.Email)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.releaseLocked(h)
		return nil, fmt.Errorf("%w: worker pool is closed", account.ErrResourceExhausted)
	}
	select {
	case p.queue <- h:
	default:
		p.releaseLocked(h)
		return nil, fmt.Errorf("%w: job queue is full (%d)", account.ErrResourceExhausted, p.opts.QueueSize)
	}
	p.log.Infof("job=%s email=%s op=%s queued", h.ID, job.Email, job.Op)
	return h, nil
}

// admit checks that a job for email may be queued. Must be called with mu held.
func (p *Pool) admit(email string) error {
	if p.closed {
		return fmt.Errorf("%w: worker pool is closed", account.ErrResourceExhausted)
	}
	if h, busy := p.inflight[email]; busy {
		return fmt.Errorf("%w: %s has job %s (%s)", account.ErrAlreadyInProgress, email, h.ID, h.Job.Op)
	}
	if len(p.inflight)-p.running >= p.opts.QueueSize {
		return fmt.Errorf("%w: job queue is full (%d)", account.ErrResourceExhausted, p.opts.QueueSize)
	}
	return nil
}

// prepare applies the submission transition for the job's operation.
func (p *Pool) prepare(ctx context.Context, job Job) error {
	switch job.Op {
	case OpRegister:
		_, err := p.opts.Store.Update(ctx, job.Email, func(a *account.Account) error {
			switch a.Status {
			case account.StatusPending, account.StatusFailed, account.StatusExpired:
			default:
				return fmt.Errorf("%w: cannot register %s while %s", account.ErrInvalidState, a.Email, a.Status)
			}
			a.Transition(account.StatusPending, p.opts.Clock())
			return nil
		})
		return err
	case OpRefresh:
		a, err := p.opts.Store.Get(ctx, job.Email)
		if err != nil {
			return err
		}
		if a.Status != account.StatusActive {
			return fmt.Errorf("%w: cannot refresh %s while %s", account.ErrInvalidState, a.Email, a.Status)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown operation %q", account.ErrConfig, job.Op)
}

func (p *Pool) release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(h)
}

func (p *Pool) releaseLocked(h *Handle) {
	if p.inflight[h.Job.Email] == h {
		delete(p.inflight, h.Job.Email)
	}
}

// Cancel stops the job in flight for email. A queued job is finalized
// immediately; a running one is interrupted and finalized by its worker.
func (p *Pool) Cancel(email string) bool {
	p.mu.Lock()
	h, ok := p.inflight[account.NormalizeEmail(email)]
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.stop(h)
	return true
}

// CancelAll stops every job in flight and returns how many there were.
func (p *Pool) CancelAll() int {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.inflight))
	for _, h := range p.inflight {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		p.stop(h)
	}
	return len(handles)
}

func (p *Pool) stop(h *Handle) {
	h.cancel()
	if h.abandon() {
		p.finalizeAbandoned(h)
	}
}

// InFlight reports whether email has a queued or running job.
func (p *Pool) InFlight(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[account.NormalizeEmail(email)]
	return ok
}

// Lookup returns the handle of the job in flight for email.
func (p *Pool) Lookup(email string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.inflight[account.NormalizeEmail(email)]
	return h, ok
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Running:    p.running,
		Queued:     len(p.inflight) - p.running,
		MaxWorkers: p.limit,
		QueueSize:  p.opts.QueueSize,
	}
}

// Close stops accepting jobs, cancels the jobs in flight and waits for the
// workers to finish recording them.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.log.Infof("stopping workers")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("worker pool did not stop: %w", ctx.Err())
	}

	// Submit cannot queue after closed is set
	for {
		select {
		case h := <-p.queue:
			if h.abandon() {
				p.finalizeAbandoned(h)
			}
		default:
			p.log.Infof("workers stopped")
			return nil
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case h := <-p.queue:
			if !p.acquire(h) {
				if h.abandon() {
					p.finalizeAbandoned(h)
				}
				continue
			}
			p.run(h)
		}
	}
}

// acquire takes a run slot for h, waiting while the limit is reached. It
// returns false if h is stopped first. A job waiting here still counts as queued.
func (p *Pool) acquire(h *Handle) bool {
	for {
		p.mu.Lock()
		if p.running < p.limit {
			p.running++
			p.mu.Unlock()
			return true
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-h.ctx.Done():
			return false
		}
	}
}

func (p *Pool) freeSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running--
	p.wakeLocked()
}

// run executes one job on a slot taken by acquire and records its outcome.
// The slot and the account are released in every path.
func (p *Pool) run(h *Handle) {
	if h.ctx.Err() != nil {
		p.freeSlot()
		if h.abandon() {
			p.finalizeAbandoned(h)
		}
		return
	}
	if !h.start(p.opts.Clock()) {
		p.freeSlot()
		return
	}

	rec := newRecorder(p.opts.Store, h.Job.Email)
	var err error
	defer func() {
		rec.fence()
		p.record(h, err)

		p.mu.Lock()
		p.running--
		p.releaseLocked(h)
		p.wakeLocked()
		p.mu.Unlock()

		h.complete(err)
	}()

	p.log.Infof("job=%s email=%s op=%s started", h.ID, h.Job.Email, h.Job.Op)
	err = p.execute(h, rec)
	if err != nil {
		p.log.Warnf("job=%s email=%s op=%s failed: %v", h.ID, h.Job.Email, h.Job.Op, err)
	} else {
		p.log.Infof("job=%s email=%s op=%s succeeded in %v", h.ID, h.Job.Email, h.Job.Op, p.opts.Clock().Sub(h.StartedAt()))
	}
}

// execute opens a session and runs the pipeline under the job timeout. When
// the deadline passes first, further writes are fenced off, the session is
// force-closed and the pipeline gets Grace to return.
func (p *Pool) execute(h *Handle, rec *recorder) error {
	ctx, cancel := context.WithTimeout(h.ctx, p.opts.JobTimeout)
	defer cancel()

	acct, err := p.opts.Store.Get(ctx, h.Job.Email)
	if err != nil {
		return err
	}

	sess, err := p.opts.Factory.Create(ctx, p.Fingerprint())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			p.log.Warnf("job=%s: closing session: %v", h.ID, cerr)
		}
	}()

	pl := p.opts.Pipelines[h.Job.Op]
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("pipeline panic: %v", r)
			}
		}()
		result <- pl.Run(ctx, sess, acct, rec)
	}()

	select {
	case err := <-result:
		if err != nil && ctx.Err() != nil && !isContextKind(err) {
			return fmt.Errorf("%w: %v", account.FromContext(ctx.Err()), err)
		}
		return err
	case <-ctx.Done():
	}

	kind := account.FromContext(ctx.Err())
	p.log.Warnf("job=%s email=%s: %s, closing session", h.ID, h.Job.Email, kind)
	rec.fence()
	if cerr := sess.Close(); cerr != nil {
		p.log.Warnf("job=%s: force-closing session: %v", h.ID, cerr)
	}

	grace := time.NewTimer(p.opts.Grace)
	defer grace.Stop()
	select {
	case err := <-result:
		if err == nil {
			// Its last write landed before the fence
			return nil
		}
	case <-grace.C:
		p.log.Warnf("job=%s: pipeline did not return within %v", h.ID, p.opts.Grace)
	}

	if errors.Is(kind, account.ErrTimeout) {
		return fmt.Errorf("%w: job exceeded %v", account.ErrTimeout, p.opts.JobTimeout)
	}
	return fmt.Errorf("%w: job stopped", kind)
}

func isContextKind(err error) bool {
	return errors.Is(err, account.ErrTimeout) || errors.Is(err, account.ErrCancelled)
}

// record writes the outcome of a started job to the account.
func (p *Pool) record(h *Handle, jobErr error) {
	if jobErr == nil || errors.Is(jobErr, account.ErrNotFound) {
		return
	}
	if h.Job.Op == OpRefresh && errors.Is(jobErr, account.ErrInvalidState) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	now := p.opts.Clock()

	_, err := p.opts.Store.Update(ctx, h.Job.Email, func(a *account.Account) error {
		if h.Job.Op == OpRefresh && errors.Is(jobErr, account.ErrCancelled) && a.Status == account.StatusRefreshing {
			// Stopping a refresh leaves the stored session usable
			a.Transition(account.StatusActive, now)
			return nil
		}
		account.ApplyFailure(a, jobErr, now)
		return nil
	})
	if err != nil {
		p.log.Errorf("job=%s email=%s: failed to record outcome: %v", h.ID, h.Job.Email, err)
	}
}

// finalizeAbandoned records a job that was cancelled before it started.
// A queued refresh leaves the account untouched.
func (p *Pool) finalizeAbandoned(h *Handle) {
	err := fmt.Errorf("%w: job stopped before it started", account.ErrCancelled)

	if h.Job.Op == OpRegister {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		_, uerr := p.opts.Store.Update(ctx, h.Job.Email, func(a *account.Account) error {
			account.ApplyFailure(a, err, p.opts.Clock())
			return nil
		})
		cancel()
		if uerr != nil && !errors.Is(uerr, account.ErrNotFound) {
			p.log.Errorf("job=%s email=%s: failed to record cancellation: %v", h.ID, h.Job.Email, uerr)
		}
	}

	p.release(h)
	h.complete(err)
	p.log.Infof("job=%s email=%s op=%s cancelled while queued", h.ID, h.Job.Email, h.Job.Op)
}
