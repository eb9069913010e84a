// Package dispatch notifies cage owners of abnormal readings and decides
// where the cage should move.
//
// Dispatch plans the relocation target synchronously and hands the SMS and
// email deliveries to a bounded worker pool. A notification failure never
// changes the returned target.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"cagewatch/internal/config"
	"cagewatch/internal/domain"
	"cagewatch/internal/notify"
	"cagewatch/internal/observability"
	"cagewatch/internal/relocation"
)

var (
	// ErrNoOwner is returned when the request carries no resolved owner.
	ErrNoOwner = errors.New("owner not resolved")
	// ErrNormalVerdict is returned when asked to dispatch a reading that passed.
	ErrNormalVerdict = errors.New("verdict is not abnormal")
	// ErrQueueFull is recorded on deliveries dropped because every worker was busy.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrClosed is recorded on deliveries dropped after shutdown began.
	ErrClosed = errors.New("dispatcher closed")
)

// Request is one abnormal reading to act on.
type Request struct {
	AlertID string
	Cage    domain.Cage
	Owner   domain.Owner
	Reading domain.Reading
	Verdict domain.Verdict
}

// Result is the final outcome of one channel for one alert.
type Result struct {
	AlertID  string
	Channel  string
	Status   string
	Attempts int
	Err      error
}

// Recorder persists delivery outcomes. repo.Repo satisfies it.
type Recorder interface {
	RecordDelivery(ctx context.Context, d domain.Delivery) error
}

type Options struct {
	QueueSize       int
	Workers         int
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	CallTimeout     time.Duration
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

func OptionsFromConfig(cfg config.DispatchConfig) Options {
	return Options{
		QueueSize:       cfg.QueueSize,
		Workers:         cfg.Workers,
		MaxAttempts:     cfg.MaxAttempts,
		InitialBackoff:  cfg.InitialBackoff,
		MaxBackoff:      cfg.MaxBackoff,
		CallTimeout:     cfg.CallTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpenFor:  cfg.BreakerOpenFor,
	}
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerOpenFor <= 0 {
		o.BreakerOpenFor = time.Minute
	}
	return o
}

// Deps are the collaborators of a Dispatcher. Nil senders disable their channel.
type Deps struct {
	SMS      notify.SMSSender
	Mailer   notify.Mailer
	Planner  relocation.Planner
	Fallback domain.RelocationTarget
	Recorder Recorder
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

type job struct {
	req    Request
	target domain.RelocationTarget
}

type Dispatcher struct {
	opts     Options
	sms      notify.SMSSender
	mailer   notify.Mailer
	planner  relocation.Planner
	fallback domain.RelocationTarget
	recorder Recorder
	metrics  *observability.Metrics
	log      *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker

	jobs    chan job
	results chan Result

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
	drops   sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(opts Options, deps Deps) *Dispatcher {
	opts = opts.withDefaults()
	if deps.SMS == nil {
		deps.SMS = notify.DisabledSMS{}
	}
	if deps.Mailer == nil {
		deps.Mailer = notify.DisabledMailer{}
	}
	if deps.Planner == nil {
		deps.Planner = relocation.Fixed{Target: deps.Fallback}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:     opts,
		sms:      deps.SMS,
		mailer:   deps.Mailer,
		planner:  deps.Planner,
		fallback: deps.Fallback,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		jobs:     make(chan job, opts.QueueSize),
		results:  make(chan Result, opts.QueueSize*2),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.breakers = map[string]*gobreaker.CircuitBreaker{
		domain.ChannelSMS:   d.newBreaker(domain.ChannelSMS),
		domain.ChannelEmail: d.newBreaker(domain.ChannelEmail),
	}
	return d
}

func (d *Dispatcher) newBreaker(channel string) *gobreaker.CircuitBreaker {
	failures := uint32(d.opts.BreakerFailures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     channel,
		Interval: d.opts.BreakerOpenFor,
		Timeout:  d.opts.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// A bad address says nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || notify.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("notification breaker state change",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			d.metrics.BreakerState(name, int(to))
		},
	})
}

// Start launches the worker pool. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Close stops accepting work and waits for queued jobs to finish. If ctx
// expires first, in-flight retries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	started := d.started
	d.mu.Unlock()

	if !started {
		for j := range d.jobs {
			d.drop(j, ErrClosed)
		}
		d.waitDrops()
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.waitDrops()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// waitDrops holds the write lock so no Dispatch can add a drop while waiting.
func (d *Dispatcher) waitDrops() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drops.Wait()
}

// Results streams delivery outcomes. Outcomes are dropped when nobody reads.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Dispatch returns the relocation target for req and queues the owner
// notifications. Only ErrNoOwner and ErrNormalVerdict are returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (domain.RelocationTarget, error) {
	if !req.Verdict.Abnormal {
		return domain.RelocationTarget{}, ErrNormalVerdict
	}
	if req.Owner.ID == "" && req.Owner.Email == "" && req.Owner.Phone == "" {
		return domain.RelocationTarget{}, ErrNoOwner
	}
	target, err := d.planner.Plan(ctx, req.Cage, req.Reading)
	if err != nil {
		d.log.Warn("relocation planning failed, using default target",
			zap.String("cage_id", req.Cage.ID), zap.Error(err))
		target = d.fallback
	}

	j := job{req: req, target: target}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropAsync(j, ErrClosed)
		return target, nil
	}
	select {
	case d.jobs <- j:
		d.metrics.QueueDepth(len(d.jobs))
	default:
		d.dropAsync(j, ErrQueueFull)
	}
	return target, nil
}

// dropAsync records dropped deliveries off the caller's goroutine. Callers
// hold d.mu for reading.
func (d *Dispatcher) dropAsync(j job, reason error) {
	d.drops.Add(1)
	go func() {
		defer d.drops.Done()
		d.drop(j, reason)
	}()
}

func (d *Dispatcher) drop(j job, reason error) {
	d.log.Warn("alert notifications dropped",
		zap.String("alert_id", j.req.AlertID),
		zap.String("cage_id", j.req.Cage.ID),
		zap.Error(reason))
	for _, ch := range []string{domain.ChannelSMS, domain.ChannelEmail} {
		d.finish(Result{AlertID: j.req.AlertID, Channel: ch, Status: domain.DeliveryDropped, Err: reason}, 0)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.metrics.QueueDepth(len(d.jobs))
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	alert := notify.Alert{
		OwnerName: j.req.Owner.Name,
		CageName:  cageName(j.req),
		Reading:   j.req.Reading,
		Target:    j.target,
		Verdict:   j.req.Verdict,
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.run(j.req.AlertID, domain.ChannelSMS, func(ctx context.Context) error {
			if j.req.Owner.Phone == "" {
				return fmt.Errorf("%w: owner has no phone number", notify.ErrDisabled)
			}
			return d.sms.Send(ctx, []string{j.req.Owner.Phone}, notify.SMSText(alert))
		})
	}()
	go func() {
		defer wg.Done()
		subject, html, err := notify.AlertEmail(alert)
		d.run(j.req.AlertID, domain.ChannelEmail, func(ctx context.Context) error {
			if err != nil {
				return backoff.Permanent(err)
			}
			if j.req.Owner.Email == "" {
				return fmt.Errorf("%w: owner has no email address", notify.ErrDisabled)
			}
			return d.mailer.Send(ctx, j.req.Owner.Email, subject, html)
		})
	}()
	wg.Wait()
}

func cageName(req Request) string {
	if req.Cage.Name != "" {
		return req.Cage.Name
	}
	if req.Cage.ID != "" {
		return req.Cage.ID
	}
	return req.Reading.CageID
}

// run delivers one channel with retries, a per-call timeout and the
// channel's breaker.
func (d *Dispatcher) run(alertID, channel string, send func(ctx context.Context) error) {
	start := time.Now()
	attempts := 0
	cb := d.breakers[channel]
	op := func() error {
		attempts++
		_, err := cb.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(d.ctx, d.opts.CallTimeout)
			defer cancel()
			return nil, send(callCtx)
		})
		switch {
		case err == nil:
			return nil
		case notify.IsPermanent(err),
			errors.Is(err, gobreaker.ErrOpenState),
			errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(err)
		}
		d.log.Debug("notification attempt failed",
			zap.String("alert_id", alertID),
			zap.String("channel", channel),
			zap.Int("attempt", attempts),
			zap.Error(err))
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.InitialBackoff
	bo.MaxInterval = d.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.opts.MaxAttempts-1)), d.ctx)
	err := backoff.Retry(op, policy)

	res := Result{AlertID: alertID, Channel: channel, Attempts: attempts, Err: err}
	switch {
	case err == nil:
		res.Status = domain.DeliverySent
	case errors.Is(err, notify.ErrDisabled):
		res.Status = domain.DeliverySkipped
	default:
		res.Status = domain.DeliveryFailed
	}
	d.finish(res, time.Since(start))
}

func (d *Dispatcher) finish(res Result, took time.Duration) {
	d.metrics.Notification(res.Channel, res.Status, took)
	fields := []zap.Field{
		zap.String("alert_id", res.AlertID),
		zap.String("channel", res.Channel),
		zap.String("status", res.Status),
		zap.Int("attempts", res.Attempts),
	}
	switch res.Status {
	case domain.DeliveryFailed:
		d.log.Error("notification failed", append(fields, zap.Error(res.Err))...)
	case domain.DeliverySent:
		d.log.Info("notification sent", fields...)
	default:
		d.log.Info("notification not sent", append(fields, zap.Error(res.Err))...)
	}

	if d.recorder != nil && res.AlertID != "" {
		del := domain.Delivery{
			AlertID:  res.AlertID,
			Channel:  res.Channel,
			Status:   res.Status,
			Attempts: res.Attempts,
		}
		if res.Err != nil {
			del.Error = res.Err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.recorder.RecordDelivery(ctx, del); err != nil {
			d.log.Error("record delivery", zap.String("alert_id", res.AlertID), zap.Error(err))
		}
		cancel()
	}

	select {
	case d.results <- res:
	default:
	}
}
