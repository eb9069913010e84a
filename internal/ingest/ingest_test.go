package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cagewatch/internal/config"
	"cagewatch/internal/domain"
	"cagewatch/internal/engine"
	"cagewatch/internal/quality"
)

type fakeEngine struct {
	readings []domain.Reading
	err      error
}

func (f *fakeEngine) Ingest(_ context.Context, r domain.Reading, _ string) (engine.Outcome, error) {
	f.readings = append(f.readings, r)
	if f.err != nil {
		return engine.Outcome{}, f.err
	}
	out := engine.Outcome{Verdict: quality.Evaluate(r)}
	if out.Verdict.Abnormal {
		out.Target = &domain.RelocationTarget{Latitude: -0.180472, Longitude: 34.747611}
		out.AlertID = "alert-1"
	}
	return out, nil
}

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	sent []published
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.sent = append(f.sent, published{topic, payload})
	return nil
}

func newHandler() (*Handler, *fakeEngine, *fakePublisher) {
	eng := &fakeEngine{}
	pub := &fakePublisher{}
	cfg := config.Default().MQTT
	return &Handler{
		Engine:        eng,
		Publisher:     pub,
		ReadingTopic:  cfg.ReadingTopic,
		RelocateTopic: cfg.RelocateTopic,
	}, eng, pub
}

func TestAbnormalReadingPublishesRelocation(t *testing.T) {
	h, eng, pub := newHandler()
	h.Handle(context.Background(), "cagewatch/cages/cage-7/readings",
		[]byte(`{"nitrogen":0.05,"phosphorus":0.05,"oxygen":3,"temp":28,"location":{"latitude":-0.1,"longitude":34.7}}`))
	if len(eng.readings) != 1 || eng.readings[0].CageID != "cage-7" || eng.readings[0].Temperature != 28 {
		t.Fatalf("unexpected readings %+v", eng.readings)
	}
	if len(pub.sent) != 1 || pub.sent[0].topic != "cagewatch/cages/cage-7/relocate" {
		t.Fatalf("unexpected publishes %+v", pub.sent)
	}
	var rel domain.Relocation
	if err := json.Unmarshal(pub.sent[0].payload, &rel); err != nil {
		t.Fatalf("decode relocation: %v", err)
	}
	if rel.Move.Latitude != -0.180472 || rel.AlertID != "alert-1" || rel.Explanation == "" {
		t.Fatalf("unexpected relocation %+v", rel)
	}
}

func TestNormalReadingPublishesNothing(t *testing.T) {
	h, eng, pub := newHandler()
	h.Handle(context.Background(), "cagewatch/cages/x/readings", []byte(`{"id":"cage-1","nitrogen":0,"phosphorus":0,"oxygen":8,"temp":26,"location":{"latitude":-0.1,"longitude":34.7}}`))
	if len(eng.readings) != 1 || eng.readings[0].CageID != "cage-1" {
		t.Fatalf("payload id should win over topic, got %+v", eng.readings)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("expected no publish, got %+v", pub.sent)
	}
}

func TestInvalidPayloadsDropped(t *testing.T) {
	h, eng, _ := newHandler()
	for _, body := range []string{
		`not json`,
		`{"nitrogen":0.05,"phosphorus":0.05,"oxygen":3}`,
		`{"nitrogen":-1,"phosphorus":0.05,"oxygen":3,"temp":28,"location":{"latitude":-0.1,"longitude":34.7}}`,
		`{"nitrogen":0.05,"phosphorus":0.05,"oxygen":3,"temp":28}`,
	} {
		h.Handle(context.Background(), "cagewatch/cages/cage-1/readings", []byte(body))
	}
	if len(eng.readings) != 0 {
		t.Fatalf("invalid payloads reached the engine: %+v", eng.readings)
	}
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	h, eng, _ := newHandler()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.Now = func() time.Time { return now }
	body := []byte(`{"nitrogen":0,"phosphorus":0,"oxygen":8,"temp":26,"location":{"latitude":-0.1,"longitude":34.7}}`)
	h.Handle(context.Background(), "cagewatch/cages/cage-1/readings", body)
	h.Handle(context.Background(), "cagewatch/cages/cage-1/readings", body)
	if len(eng.readings) != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d", len(eng.readings))
	}
	now = now.Add(dedupeTTL + time.Second)
	h.Handle(context.Background(), "cagewatch/cages/cage-1/readings", body)
	if len(eng.readings) != 2 {
		t.Fatalf("expected reading after ttl, got %d", len(eng.readings))
	}
}

func TestEngineErrorDoesNotPublish(t *testing.T) {
	h, eng, pub := newHandler()
	eng.err = errors.New("owner not found")
	h.Handle(context.Background(), "cagewatch/cages/cage-1/readings", []byte(`{"nitrogen":0,"phosphorus":0,"oxygen":1,"temp":26,"location":{"latitude":-0.1,"longitude":34.7}}`))
	if len(pub.sent) != 0 {
		t.Fatalf("expected no publish on error")
	}
}

func TestRedeliveryAfterIngestFailureIsProcessed(t *testing.T) {
	h, eng, pub := newHandler()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.Now = func() time.Time { return now }
	body := []byte(`{"nitrogen":0,"phosphorus":0,"oxygen":2,"temp":26,"location":{"latitude":-0.1,"longitude":34.7}}`)

	eng.err = errors.New("database is locked")
	h.Handle(context.Background(), "cagewatch/cages/cage-1/readings", body)
	eng.err = nil
	now = now.Add(5 * time.Second)
	h.Handle(context.Background(), "cagewatch/cages/cage-1/readings", body)
	if len(eng.readings) != 2 {
		t.Fatalf("expected the redelivered reading to reach the engine, got %d calls", len(eng.readings))
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected relocation after successful retry, got %+v", pub.sent)
	}
	h.Handle(context.Background(), "cagewatch/cages/cage-1/readings", body)
	if len(eng.readings) != 2 {
		t.Fatalf("expected duplicate after success to be dropped, got %d calls", len(eng.readings))
	}
}

func TestTopicCageID(t *testing.T) {
	if got := TopicCageID("cagewatch/cages/+/readings", "cagewatch/cages/c1/readings"); got != "c1" {
		t.Fatalf("got %q", got)
	}
	if got := TopicCageID("cagewatch/cages/+/readings", "cagewatch/other"); got != "" {
		t.Fatalf("got %q", got)
	}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeClient implements only what Subscriber and ClientPublisher call.
type fakeClient struct {
	mqtt.Client
	handler   mqtt.MessageHandler
	qos       byte
	published []published
}

func (c *fakeClient) Subscribe(_ string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.qos = qos
	c.handler = cb
	return doneToken{}
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, published{topic, payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) IsConnected() bool { return false }

func TestSubscriberRoutesMessages(t *testing.T) {
	client := &fakeClient{}
	eng := &fakeEngine{}
	h := &Handler{Engine: eng}
	sub := NewSubscriber(client, config.Default().MQTT, h, zap.NewNop())
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if client.qos != 1 || client.handler == nil {
		t.Fatalf("expected qos 1 subscription")
	}
	client.handler(client, fakeMessage{topic: "cagewatch/cages/c9/readings", payload: []byte(`{"nitrogen":0.5,"phosphorus":0,"oxygen":8,"temp":26,"location":{"latitude":-0.1,"longitude":34.7}}`)})
	if len(client.published) != 1 || client.published[0].topic != "cagewatch/cages/c9/relocate" {
		t.Fatalf("unexpected publishes %+v", client.published)
	}
	sub.Close()
}
