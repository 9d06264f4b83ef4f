// Package persister implements the write-path coordination subsystem: a
// per-record coalescing scheduler that batches rapid in-memory mutations
// into at-most-one in-flight primary+secondary write, while holding a
// cross-process lease on the record for the duration of that write.
//
// The package never sees a record's actual payload type — it is handed a
// Record, an interface narrow enough to avoid any dependency on the root
// package's Holder/Payload types, and driven entirely off of Record's
// monitor and Snapshot method.
package persister

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"

	"github.com/vsetec/storedmap/driver"
	"github.com/vsetec/storedmap/internal/breaker"
)

// Record is the capability a Holder must provide for the persister to
// schedule, coalesce and execute its saves. Callers of Schedule and
// ScheduleRemove must hold Mu() for the duration of the call; the persister
// itself acquires it from its own background goroutines.
type Record interface {
	Key() string
	IndexName() string
	Locales() []language.Tag
	Mu() *sync.Mutex
	Cond() *sync.Cond

	// Snapshot captures payload's current state for a save. payload is
	// whatever was passed to Schedule for this save; the persister never
	// looks inside it. Called with Mu() held.
	Snapshot(payload any) (blob, sortBytes []byte, secondaryKey string, tags []string, tree map[string]any)
}

type followupReq struct {
	callback func()
	payload  any
}

type entry struct {
	// payload pins the record's in-memory state for the duration this entry
	// lives in inWork/inLongWork, so a save always serialises the mutation
	// that scheduled it rather than whatever loadOrCreate-on-demand happens
	// to return at run time (a record's only other reference to its payload
	// is a weak one).
	payload any

	reschedule bool
	needRemove bool
	cancelSave bool
	callbacks  []func()
	followup   *followupReq
}

// Persister coalesces and executes saves for every Holder sharing one driver
// connection.
type Persister struct {
	drv     driver.Driver
	conn    driver.Conn
	log     *logrus.Logger
	circuit *breaker.Manager

	inWork     sync.Map // Record -> *entry
	inLongWork sync.Map // Record -> *entry

	scheduleDelay   time.Duration
	rescheduleDelay time.Duration
	leaseTTL        time.Duration
	backoffCap      time.Duration
	backoffFloor    time.Duration

	stopped atomic.Bool

	scheduled  prometheus.Counter
	coalesced  prometheus.Counter
	primary    prometheus.Counter
	secondary  prometheus.Counter
	leaseWait  prometheus.Histogram
	liveLeases prometheus.Gauge
}

// Options tunes the coalescing windows and lease parameters. A zero Options
// uses the spec's nominal values.
type Options struct {
	ScheduleDelay   time.Duration
	RescheduleDelay time.Duration
	LeaseTTL        time.Duration
	BackoffCap      time.Duration
	BackoffFloor    time.Duration

	// BreakerFailureThreshold/BreakerSuccessThreshold/BreakerTimeout tune
	// the per-index circuit breaker guarding Put/PutSecondary/Remove calls
	// (see internal/breaker). A struggling index stops being hammered by
	// every coalesced save once it trips.
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration
}

func (o Options) withDefaults() Options {
	if o.ScheduleDelay <= 0 {
		o.ScheduleDelay = 3 * time.Second
	}
	if o.RescheduleDelay <= 0 {
		o.RescheduleDelay = 2 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 100 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 2 * time.Second
	}
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = 5 * time.Millisecond
	}
	if o.BreakerFailureThreshold <= 0 {
		o.BreakerFailureThreshold = 5
	}
	if o.BreakerSuccessThreshold <= 0 {
		o.BreakerSuccessThreshold = 2
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// New builds a Persister against drv/conn. If reg is non-nil the persister's
// metrics are registered on it and exposed via Store.Metrics.
func New(drv driver.Driver, conn driver.Conn, log *logrus.Logger, reg *prometheus.Registry, opts Options) *Persister {
	opts = opts.withDefaults()
	p := &Persister{
		drv:             drv,
		conn:            conn,
		log:             log,
		circuit:         breaker.NewManager(log, opts.BreakerFailureThreshold, opts.BreakerSuccessThreshold, opts.BreakerTimeout),
		scheduleDelay:   opts.ScheduleDelay,
		rescheduleDelay: opts.RescheduleDelay,
		leaseTTL:        opts.LeaseTTL,
		backoffCap:      opts.BackoffCap,
		backoffFloor:    opts.BackoffFloor,

		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storedmap_persister_scheduled_total",
			Help: "Saves scheduled.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storedmap_persister_coalesced_total",
			Help: "Reschedules collapsed into an already-pending save.",
		}),
		primary: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storedmap_persister_primary_writes_total",
			Help: "Primary blob writes completed.",
		}),
		secondary: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storedmap_persister_secondary_writes_total",
			Help: "Secondary index writes completed.",
		}),
		leaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storedmap_persister_lease_wait_seconds",
			Help:    "Time spent waiting to acquire a record lease.",
			Buckets: prometheus.DefBuckets,
		}),
		liveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storedmap_persister_live_leases",
			Help: "Records currently holding an acquired lease (inLongWork size).",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.scheduled, p.coalesced, p.primary, p.secondary, p.leaseWait, p.liveLeases)
	}
	return p
}

// Schedule registers a deferred save for rec, coalescing with any save
// already pending or in flight. payload is pinned on the resulting entry
// (or follow-up) so the eventual save serialises this call's state even if
// nothing else in the caller keeps payload reachable in the meantime. The
// caller must hold rec.Mu() across the call; Schedule never unlocks it
// except transiently while waiting for a contended lease.
func (p *Persister) Schedule(ctx context.Context, rec Record, payload any, callback func()) error {
	if v, ok := p.inWork.Load(rec); ok {
		e := v.(*entry)
		e.reschedule = true
		e.payload = payload
		if callback != nil {
			e.callbacks = append(e.callbacks, callback)
		}
		return nil
	}

	if v, ok := p.inLongWork.Load(rec); ok {
		e := v.(*entry)
		e.followup = &followupReq{callback: callback, payload: payload}
		return nil
	}

	if err := p.acquireLease(ctx, rec); err != nil {
		return err
	}

	e := &entry{payload: payload}
	if callback != nil {
		e.callbacks = append(e.callbacks, callback)
	}
	p.inWork.Store(rec, e)
	p.inLongWork.Store(rec, e)
	p.scheduled.Inc()
	p.liveLeases.Inc()

	time.AfterFunc(p.scheduleDelay, func() { p.run(rec, e) })
	return nil
}

// Cancel marks rec's in-flight save (if any) so it abandons the secondary
// write and releases the lease without further driver writes. It does not
// retract a primary write already committed. The caller must hold rec.Mu().
func (p *Persister) Cancel(rec Record) {
	if v, ok := p.inLongWork.Load(rec); ok {
		v.(*entry).cancelSave = true
	}
}

// ScheduleRemove drives a removal through the same bookkeeping as a save:
// it cancels or waits out any in-flight work for rec, then issues
// driver.Remove under a freshly-held (or already-held) lease. The caller
// must hold rec.Mu(); ScheduleRemove releases it while awaiting driver I/O
// and re-acquires it before returning.
func (p *Persister) ScheduleRemove(ctx context.Context, rec Record) error {
	if v, ok := p.inWork.Load(rec); ok {
		e := v.(*entry)
		e.needRemove = true
		if err := p.removeAndUnlock(ctx, rec); err != nil {
			return err
		}
		p.inWork.Delete(rec)
		p.inLongWork.Delete(rec)
		p.liveLeases.Dec()
		return nil
	}

	p.Cancel(rec)
	if err := p.acquireLease(ctx, rec); err != nil {
		return err
	}
	return p.removeAndUnlock(ctx, rec)
}

func (p *Persister) removeAndUnlock(ctx context.Context, rec Record) error {
	done := make(chan struct{})
	cb := p.circuit.For(rec.IndexName())
	if err := cb.Call(func() error {
		return p.drv.Remove(ctx, rec.Key(), rec.IndexName(), p.conn, func() { close(done) })
	}); err != nil {
		_ = p.drv.Unlock(ctx, rec.Key(), rec.IndexName(), p.conn)
		return err
	}

	rec.Mu().Unlock()
	select {
	case <-done:
	case <-ctx.Done():
		rec.Mu().Lock()
		return ctx.Err()
	}
	rec.Mu().Lock()

	return p.drv.Unlock(ctx, rec.Key(), rec.IndexName(), p.conn)
}

func (p *Persister) acquireLease(ctx context.Context, rec Record) error {
	start := time.Now()
	waited := false
	for {
		wait, err := p.drv.TryLock(ctx, rec.Key(), rec.IndexName(), p.conn, p.leaseTTL)
		if err != nil {
			return err
		}
		if wait <= 0 {
			if waited {
				p.leaseWait.Observe(time.Since(start).Seconds())
			}
			return nil
		}
		waited = true

		backoff := wait
		if backoff > p.backoffCap {
			backoff = p.backoffCap
		}
		if backoff < p.backoffFloor {
			backoff = p.backoffFloor
		}

		rec.Mu().Unlock()
		select {
		case <-ctx.Done():
			rec.Mu().Lock()
			return ctx.Err()
		case <-time.After(backoff):
		}
		rec.Mu().Lock()
	}
}

// run executes one scheduled save task (spec §4.5.2).
func (p *Persister) run(rec Record, e *entry) {
	rec.Mu().Lock()
	if e.needRemove {
		rec.Mu().Unlock()
		return
	}
	if e.reschedule {
		e.reschedule = false
		p.coalesced.Inc()
		rec.Mu().Unlock()
		time.AfterFunc(p.rescheduleDelay, func() { p.run(rec, e) })
		return
	}

	blob, sortBytes, secondaryKey, tags, tree := rec.Snapshot(e.payload)
	rec.Mu().Unlock()

	ctx := context.Background()
	cb := p.circuit.For(rec.IndexName())
	err := cb.Call(func() error {
		return p.drv.Put(ctx, rec.Key(), rec.IndexName(), p.conn, blob,
			func() { p.onPrimaryDone(rec, e) },
			func() { p.onProceedSecondary(ctx, rec, e, tree, sortBytes, secondaryKey, tags) },
		)
	})
	if err != nil {
		p.failTask(rec, e, err)
	}
}

func (p *Persister) onPrimaryDone(rec Record, e *entry) {
	rec.Mu().Lock()
	defer rec.Mu().Unlock()

	if e.reschedule {
		e.reschedule = false
		p.coalesced.Inc()
		time.AfterFunc(p.rescheduleDelay, func() { p.run(rec, e) })
		return
	}

	p.inWork.Delete(rec)
	p.primary.Inc()
}

func (p *Persister) onProceedSecondary(ctx context.Context, rec Record, e *entry, tree map[string]any, sortBytes []byte, secondaryKey string, tags []string) {
	rec.Mu().Lock()
	abort := e.needRemove || e.cancelSave
	rec.Mu().Unlock()

	if abort {
		p.releaseLease(ctx, rec, e)
		return
	}

	cb := p.circuit.For(rec.IndexName())
	err := cb.Call(func() error {
		return p.drv.PutSecondary(ctx, rec.Key(), rec.IndexName(), p.conn, tree, rec.Locales(), secondaryKey, sortBytes, tags,
			func() { p.onSecondaryDone(ctx, rec, e) },
		)
	})
	if err != nil {
		p.failTask(rec, e, err)
	}
}

func (p *Persister) onSecondaryDone(ctx context.Context, rec Record, e *entry) {
	rec.Mu().Lock()
	p.secondary.Inc()
	callbacks := e.callbacks
	fu := e.followup
	e.followup = nil
	rec.Mu().Unlock()

	if fu != nil {
		ne := &entry{payload: fu.payload}
		if fu.callback != nil {
			ne.callbacks = append(ne.callbacks, fu.callback)
		}
		p.inWork.Store(rec, ne)
		p.inLongWork.Store(rec, ne)
		time.AfterFunc(p.rescheduleDelay, func() { p.run(rec, ne) })
	} else {
		p.releaseLease(ctx, rec, e)
	}

	for _, cb := range callbacks {
		cb()
	}

	rec.Mu().Lock()
	rec.Cond().Broadcast()
	rec.Mu().Unlock()
}

func (p *Persister) releaseLease(ctx context.Context, rec Record, e *entry) {
	p.inLongWork.Delete(rec)
	p.liveLeases.Dec()
	if err := p.drv.Unlock(ctx, rec.Key(), rec.IndexName(), p.conn); err != nil && p.log != nil {
		p.log.WithError(err).WithField("key", rec.Key()).Error("storedmap: failed to release record lease")
	}
}

func (p *Persister) failTask(rec Record, e *entry, err error) {
	if p.log != nil {
		p.log.WithError(err).WithField("key", rec.Key()).Error("storedmap: persist task failed")
	}
	p.inWork.Delete(rec)
	p.releaseLease(context.Background(), rec, e)
	rec.Mu().Lock()
	rec.Cond().Broadcast()
	rec.Mu().Unlock()
}

// Stop drains every in-flight lease-holding save, polling every 100ms, then
// returns. It honors ctx's deadline if set, otherwise waits up to 3 minutes
// (spec §4.5.3).
func (p *Persister) Stop(ctx context.Context) error {
	p.stopped.Store(true)

	deadline := time.Now().Add(3 * time.Minute)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}

	for {
		empty := true
		p.inLongWork.Range(func(_, _ any) bool {
			empty = false
			return false
		})
		if empty {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
