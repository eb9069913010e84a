// Package ingest accepts sensor readings over MQTT.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cagewatch/internal/domain"
	"cagewatch/internal/engine"
	"cagewatch/internal/observability"
)

const (
	// ActorID is recorded on events for readings that arrive over MQTT.
	ActorID         = "mqtt"
	dedupeTTL       = 2 * time.Minute
	cagePlaceholder = "{cage}"
)

var errInvalidPayload = errors.New("invalid reading payload")

type Ingester interface {
	Ingest(ctx context.Context, reading domain.Reading, actorID string) (engine.Outcome, error)
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Handler turns one MQTT message into an engine ingestion and, for abnormal
// readings, a relocation command.
type Handler struct {
	Engine        Ingester
	Publisher     Publisher
	ReadingTopic  string
	RelocateTopic string
	Metrics       *observability.Metrics
	Log           *zap.Logger
	Now           func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

type payload struct {
	ID         string           `json:"id"`
	Nitrogen   *float64         `json:"nitrogen"`
	Phosphorus *float64         `json:"phosphorus"`
	Oxygen     *float64         `json:"oxygen"`
	Temp       *float64         `json:"temp"`
	Location   *domain.Location `json:"location"`
}

func decode(topicCage string, data []byte) (domain.Reading, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Reading{}, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if p.Nitrogen == nil || p.Phosphorus == nil || p.Oxygen == nil || p.Temp == nil {
		return domain.Reading{}, fmt.Errorf("%w: nitrogen, phosphorus, oxygen and temp are required", errInvalidPayload)
	}
	if *p.Nitrogen < 0 || *p.Phosphorus < 0 || *p.Oxygen < 0 {
		return domain.Reading{}, fmt.Errorf("%w: concentrations must not be negative", errInvalidPayload)
	}
	sp := domain.SensorPayload{
		ID:         p.ID,
		Nitrogen:   *p.Nitrogen,
		Phosphorus: *p.Phosphorus,
		Oxygen:     *p.Oxygen,
		Temp:       *p.Temp,
	}
	if sp.ID == "" {
		sp.ID = topicCage
	}
	if sp.ID == "" {
		return domain.Reading{}, fmt.Errorf("%w: cage id missing", errInvalidPayload)
	}
	if p.Location == nil {
		return domain.Reading{}, fmt.Errorf("%w: location is required", errInvalidPayload)
	}
	sp.Location = *p.Location
	return sp.Reading(), nil
}

// TopicCageID extracts the segment matched by the single-level wildcard.
func TopicCageID(pattern, topic string) string {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return ""
	}
	for i, seg := range want {
		if seg == "+" {
			return got[i]
		}
	}
	return ""
}

// RelocateTopic resolves the relocation topic template for a cage.
func RelocateTopic(template, cageID string) string {
	return strings.ReplaceAll(template, cagePlaceholder, cageID)
}

func (h *Handler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func messageKey(topic string, data []byte) string {
	sum := sha256.Sum256(append([]byte(topic+"\x00"), data...))
	return hex.EncodeToString(sum[:])
}

// claim marks key as handled and reports false when the same message was
// already claimed within dedupeTTL.
func (h *Handler) claim(key string) bool {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = map[string]time.Time{}
	}
	for k, at := range h.seen {
		if now.Sub(at) > dedupeTTL {
			delete(h.seen, k)
		}
	}
	if at, ok := h.seen[key]; ok && now.Sub(at) <= dedupeTTL {
		return false
	}
	h.seen[key] = now
	return true
}

// release forgets key so a redelivery of a message that failed to ingest is
// processed again.
func (h *Handler) release(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seen, key)
}

// Handle processes one message. Errors are logged, never returned, so a bad
// message cannot stall the subscription.
func (h *Handler) Handle(ctx context.Context, topic string, data []byte) {
	key := messageKey(topic, data)
	if !h.claim(key) {
		h.log().Debug("duplicate reading dropped", zap.String("topic", topic))
		return
	}
	reading, err := decode(TopicCageID(h.ReadingTopic, topic), data)
	if err != nil {
		h.log().Warn("reading rejected", zap.String("topic", topic), zap.Error(err))
		return
	}
	out, err := h.Engine.Ingest(ctx, reading, ActorID)
	if err != nil {
		h.release(key)
		h.log().Error("ingest reading", zap.String("topic", topic), zap.String("cage_id", reading.CageID), zap.Error(err))
		return
	}
	h.Metrics.Reading("mqtt", out.Verdict.Abnormal)
	if !out.Verdict.Abnormal || out.Target == nil {
		return
	}
	msg, err := json.Marshal(domain.Relocation{Move: *out.Target, AlertID: out.AlertID, Explanation: out.Verdict.Explanation})
	if err != nil {
		h.log().Error("encode relocation", zap.Error(err))
		return
	}
	dest := RelocateTopic(h.RelocateTopic, reading.CageID)
	if err := h.Publisher.Publish(dest, msg); err != nil {
		h.log().Error("publish relocation", zap.String("topic", dest), zap.Error(err))
		return
	}
	h.log().Info("relocation published",
		zap.String("topic", dest),
		zap.String("cage_id", reading.CageID),
		zap.String("alert_id", out.AlertID))
}
