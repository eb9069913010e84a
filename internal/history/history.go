// Package history writes every evaluated reading to InfluxDB.
package history

import (
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"cagewatch/internal/config"
	"cagewatch/internal/domain"
)

const Measurement = "water_quality"

// Point converts an evaluated reading to a water_quality point.
func Point(r domain.Reading, v domain.Verdict, at time.Time) *write.Point {
	tags := map[string]string{
		"cage_id":  r.CageID,
		"abnormal": strconv.FormatBool(v.Abnormal),
	}
	fields := map[string]interface{}{
		"nitrogen":    r.Nitrogen,
		"phosphorus":  r.Phosphorus,
		"oxygen":      r.Oxygen,
		"temperature": r.Temperature,
		"latitude":    r.Location.Latitude,
		"longitude":   r.Location.Longitude,
	}
	return influxdb2.NewPoint(Measurement, tags, fields, at)
}

// Influx is a non-blocking sink; write failures are only logged.
type Influx struct {
	client influxdb2.Client
	writer interface {
		WritePoint(point *write.Point)
		Flush()
		Errors() <-chan error
	}
	log  *zap.Logger
	done chan struct{}
}

func NewInflux(cfg config.InfluxConfig, log *zap.Logger) *Influx {
	if log == nil {
		log = zap.NewNop()
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(1000))
	s := &Influx{
		client: client,
		writer: client.WriteAPI(cfg.Org, cfg.Bucket),
		log:    log,
		done:   make(chan struct{}),
	}
	go s.drainErrors()
	return s
}

func (s *Influx) drainErrors() {
	errs := s.writer.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.log.Warn("influx write failed", zap.Error(err))
		case <-s.done:
			return
		}
	}
}

func (s *Influx) Write(r domain.Reading, v domain.Verdict, at time.Time) {
	s.writer.WritePoint(Point(r, v, at))
}

// Close flushes pending points and releases the client.
func (s *Influx) Close() {
	s.writer.Flush()
	close(s.done)
	s.client.Close()
}
