package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cagewatch/internal/domain"
	"cagewatch/internal/notify"
	"cagewatch/internal/observability"
	"cagewatch/internal/relocation"
)

type fakeSMS struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
	to    []string
	text  string
}

func (f *fakeSMS) Send(_ context.Context, phones []string, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.to = phones
	f.text = message
	if f.fail != nil {
		return f.fail(f.calls)
	}
	return nil
}

func (f *fakeSMS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMailer struct {
	mu      sync.Mutex
	calls   int
	fail    func(call int) error
	to      string
	subject string
	block   chan struct{}
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, _ string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.to = to
	f.subject = subject
	if f.fail != nil {
		return f.fail(f.calls)
	}
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memRecorder struct {
	mu   sync.Mutex
	rows []domain.Delivery
}

func (m *memRecorder) RecordDelivery(_ context.Context, d domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, d)
	return nil
}

var (
	safe    = domain.RelocationTarget{Latitude: -0.180472, Longitude: 34.747611}
	owner   = domain.Owner{ID: "owner-1", Name: "Achieng", Email: "achieng@example.com", Phone: "+254700000001"}
	cage    = domain.Cage{ID: "cage-1", Name: "Dunga 1", OwnerID: "owner-1"}
	reading = domain.Reading{CageID: "cage-1", Oxygen: 3, Nitrogen: 0.05, Phosphorus: 0.05, Temperature: 30}
	verdict = domain.Verdict{Abnormal: true, Explanation: "Oxygen level dropped below normal (5 mg/L) to 3 mg/L."}
)

func fastOptions() Options {
	return Options{
		QueueSize:       8,
		Workers:         2,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		CallTimeout:     time.Second,
		BreakerFailures: 100,
		BreakerOpenFor:  time.Minute,
	}
}

func collect(t *testing.T, d *Dispatcher, n int) map[string]Result {
	t.Helper()
	out := map[string]Result{}
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case r := <-d.Results():
			out[r.Channel] = r
		case <-timeout:
			t.Fatalf("timed out waiting for results, got %v", out)
		}
	}
	return out
}

func request(alertID string) Request {
	return Request{AlertID: alertID, Cage: cage, Owner: owner, Reading: reading, Verdict: verdict}
}

func TestDispatchSendsBothChannels(t *testing.T) {
	sms := &fakeSMS{}
	mailer := &fakeMailer{}
	rec := &memRecorder{}
	metrics := observability.NewMetrics()
	d := New(fastOptions(), Deps{SMS: sms, Mailer: mailer, Fallback: safe, Recorder: rec, Metrics: metrics})
	d.Start()
	defer d.Close(context.Background())

	target, err := d.Dispatch(context.Background(), request("alert-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if target != safe {
		t.Fatalf("unexpected target %+v", target)
	}
	res := collect(t, d, 2)
	if res[domain.ChannelSMS].Status != domain.DeliverySent || res[domain.ChannelEmail].Status != domain.DeliverySent {
		t.Fatalf("unexpected results %+v", res)
	}
	if len(sms.to) != 1 || sms.to[0] != owner.Phone {
		t.Fatalf("sms sent to %v", sms.to)
	}
	if mailer.to != owner.Email || mailer.subject != notify.AlertSubject {
		t.Fatalf("email sent to %q subject %q", mailer.to, mailer.subject)
	}
	if got := metrics.NotificationCount(domain.ChannelSMS, domain.DeliverySent); got != 1 {
		t.Fatalf("expected 1 sms sent metric, got %v", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.rows) != 2 {
		t.Fatalf("expected 2 recorded deliveries, got %d", len(rec.rows))
	}
}

func TestSMSFailureDoesNotBlockEmail(t *testing.T) {
	sms := &fakeSMS{fail: func(int) error { return errors.New("gateway down") }}
	mailer := &fakeMailer{}
	d := New(fastOptions(), Deps{SMS: sms, Mailer: mailer, Fallback: safe})
	d.Start()
	defer d.Close(context.Background())

	target, err := d.Dispatch(context.Background(), request("alert-2"))
	if err != nil || target != safe {
		t.Fatalf("dispatch: %+v %v", target, err)
	}
	res := collect(t, d, 2)
	if res[domain.ChannelSMS].Status != domain.DeliveryFailed || res[domain.ChannelSMS].Attempts != 3 {
		t.Fatalf("expected sms failed after 3 attempts, got %+v", res[domain.ChannelSMS])
	}
	if res[domain.ChannelEmail].Status != domain.DeliverySent {
		t.Fatalf("expected email sent, got %+v", res[domain.ChannelEmail])
	}
}

func TestEmailFailureDoesNotBlockSMS(t *testing.T) {
	sms := &fakeSMS{}
	mailer := &fakeMailer{fail: func(int) error { return fmt.Errorf("%w: bad mailbox", notify.ErrInvalidRecipient) }}
	d := New(fastOptions(), Deps{SMS: sms, Mailer: mailer, Fallback: safe})
	d.Start()
	defer d.Close(context.Background())

	if _, err := d.Dispatch(context.Background(), request("alert-3")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res := collect(t, d, 2)
	if res[domain.ChannelSMS].Status != domain.DeliverySent {
		t.Fatalf("expected sms sent, got %+v", res[domain.ChannelSMS])
	}
	email := res[domain.ChannelEmail]
	if email.Status != domain.DeliveryFailed || email.Attempts != 1 || !errors.Is(email.Err, notify.ErrInvalidRecipient) {
		t.Fatalf("expected single permanent email failure, got %+v", email)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	sms := &fakeSMS{fail: func(call int) error {
		if call < 3 {
			return errors.New("timeout")
		}
		return nil
	}}
	d := New(fastOptions(), Deps{SMS: sms, Mailer: &fakeMailer{}, Fallback: safe})
	d.Start()
	defer d.Close(context.Background())

	if _, err := d.Dispatch(context.Background(), request("alert-4")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res := collect(t, d, 2)
	if res[domain.ChannelSMS].Status != domain.DeliverySent || res[domain.ChannelSMS].Attempts != 3 {
		t.Fatalf("expected sms sent on third attempt, got %+v", res[domain.ChannelSMS])
	}
}

func TestDisabledChannelIsSkipped(t *testing.T) {
	d := New(fastOptions(), Deps{Mailer: &fakeMailer{}, Fallback: safe})
	d.Start()
	defer d.Close(context.Background())

	if _, err := d.Dispatch(context.Background(), request("alert-5")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res := collect(t, d, 2)
	if res[domain.ChannelSMS].Status != domain.DeliverySkipped {
		t.Fatalf("expected sms skipped, got %+v", res[domain.ChannelSMS])
	}
	if res[domain.ChannelEmail].Status != domain.DeliverySent {
		t.Fatalf("expected email sent, got %+v", res[domain.ChannelEmail])
	}
}

func TestMissingOwnerAttemptsNothing(t *testing.T) {
	sms := &fakeSMS{}
	mailer := &fakeMailer{}
	d := New(fastOptions(), Deps{SMS: sms, Mailer: mailer, Fallback: safe})
	d.Start()
	defer d.Close(context.Background())

	req := request("alert-6")
	req.Owner = domain.Owner{}
	if _, err := d.Dispatch(context.Background(), req); !errors.Is(err, ErrNoOwner) {
		t.Fatalf("expected ErrNoOwner, got %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sms.count() != 0 || mailer.count() != 0 {
		t.Fatalf("expected no attempts, got sms=%d email=%d", sms.count(), mailer.count())
	}
}

func TestNormalVerdictIsRefused(t *testing.T) {
	d := New(fastOptions(), Deps{Fallback: safe})
	req := request("alert-7")
	req.Verdict = domain.Verdict{}
	if _, err := d.Dispatch(context.Background(), req); !errors.Is(err, ErrNormalVerdict) {
		t.Fatalf("expected ErrNormalVerdict, got %v", err)
	}
}

func TestFullQueueStillReturnsTarget(t *testing.T) {
	opts := fastOptions()
	opts.QueueSize = 1
	metrics := observability.NewMetrics()
	rec := &memRecorder{}
	// Not started: the first job fills the queue and the second is dropped.
	d := New(opts, Deps{SMS: &fakeSMS{}, Mailer: &fakeMailer{}, Fallback: safe, Recorder: rec, Metrics: metrics})

	if _, err := d.Dispatch(context.Background(), request("alert-8")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	target, err := d.Dispatch(context.Background(), request("alert-9"))
	if err != nil || target != safe {
		t.Fatalf("expected target despite full queue, got %+v %v", target, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	// alert-8 is dropped as well, since the pool never started.
	if got := metrics.NotificationCount(domain.ChannelEmail, domain.DeliveryDropped); got != 2 {
		t.Fatalf("expected 2 dropped email metrics, got %v", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	dropped := map[string]int{}
	for _, row := range rec.rows {
		if row.Status != domain.DeliveryDropped {
			t.Fatalf("unexpected row %+v", row)
		}
		dropped[row.AlertID]++
	}
	if dropped["alert-8"] != 2 || dropped["alert-9"] != 2 {
		t.Fatalf("unexpected recorded rows %+v", rec.rows)
	}
}

type blockingRecorder struct {
	memRecorder
	release chan struct{}
}

func (b *blockingRecorder) RecordDelivery(ctx context.Context, d domain.Delivery) error {
	<-b.release
	return b.memRecorder.RecordDelivery(ctx, d)
}

func TestDroppedDeliveriesDoNotBlockDispatch(t *testing.T) {
	opts := fastOptions()
	opts.QueueSize = 1
	rec := &blockingRecorder{release: make(chan struct{})}
	d := New(opts, Deps{SMS: &fakeSMS{}, Mailer: &fakeMailer{}, Fallback: safe, Recorder: rec})

	if _, err := d.Dispatch(context.Background(), request("alert-20")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	returned := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), request("alert-21"))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("dispatch waited on the delivery recorder")
	}

	closed := make(chan error, 1)
	go func() { closed <- d.Close(context.Background()) }()
	select {
	case <-closed:
		t.Fatalf("close returned before dropped deliveries were recorded")
	case <-time.After(50 * time.Millisecond):
	}
	close(rec.release)
	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.rows) != 4 {
		t.Fatalf("expected 4 dropped rows, got %+v", rec.rows)
	}
}

type failingPlanner struct{}

func (failingPlanner) Plan(context.Context, domain.Cage, domain.Reading) (domain.RelocationTarget, error) {
	return domain.RelocationTarget{}, relocation.ErrNoSafeZone
}

func TestPlannerFailureFallsBack(t *testing.T) {
	d := New(fastOptions(), Deps{Planner: failingPlanner{}, Fallback: safe})
	target, err := d.Dispatch(context.Background(), request("alert-10"))
	if err != nil || target != safe {
		t.Fatalf("expected fallback target, got %+v %v", target, err)
	}
}

func TestNearestPlannerTarget(t *testing.T) {
	zones := relocation.Nearest{Zones: []relocation.Zone{
		{Name: "far", Target: domain.RelocationTarget{Latitude: -0.5, Longitude: 34.5}},
		{Name: "near", Target: domain.RelocationTarget{Latitude: -0.12, Longitude: 34.76}},
	}}
	d := New(fastOptions(), Deps{Planner: zones, Fallback: safe})
	req := request("alert-11")
	req.Reading.Location = domain.Location{Latitude: -0.1, Longitude: 34.75}
	target, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if target.Latitude != -0.12 {
		t.Fatalf("expected nearest zone, got %+v", target)
	}
}

func TestCloseCancelsInFlightWork(t *testing.T) {
	mailer := &fakeMailer{block: make(chan struct{})}
	d := New(fastOptions(), Deps{SMS: &fakeSMS{}, Mailer: mailer, Fallback: safe})
	d.Start()
	if _, err := d.Dispatch(context.Background(), request("alert-12")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	target, err := d.Dispatch(context.Background(), request("alert-13"))
	if err != nil || target != safe {
		t.Fatalf("dispatch after close: %+v %v", target, err)
	}
}
