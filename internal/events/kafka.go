// Kafka export of pipeline stage transitions for downstream consumers
// (analytics, EHR integration). Export is best-effort and fully decoupled
// from the mutation path: a broker outage costs the export stream, never a
// pipeline transition. When brokers are not configured the exporter runs in
// log-only mode, which is also what tests use.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// ExporterConfig holds Kafka exporter settings.
type ExporterConfig struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// Exporter publishes stage-transition events to a Kafka topic, keyed by
// recording id so all transitions of one recording land on one partition in
// order.
type Exporter struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
}

// NewExporter builds the exporter. With Enabled false or no brokers it
// degrades to log-only mode.
func NewExporter(cfg ExporterConfig) *Exporter {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("kafka export disabled, using log-only mode")
		return &Exporter{topic: cfg.Topic, enabled: false}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("kafka exporter initialized")

	return &Exporter{writer: writer, topic: cfg.Topic, enabled: true}
}

// Export writes one event. Errors are logged and swallowed: export sits on
// the fan-out side of the persist-before-notify boundary and must never
// surface into the tracker.
func (e *Exporter) Export(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("recording_id", ev.RecordingID).Msg("marshal export event")
		return
	}

	log.Debug().
		Str("topic", e.topic).
		Str("recording_id", ev.RecordingID).
		RawJSON("payload", payload).
		Msg("exporting event")

	if !e.enabled || e.writer == nil {
		return
	}

	msg := kafka.Message{
		Key:   []byte(ev.RecordingID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
		},
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", e.topic).
			Str("recording_id", ev.RecordingID).
			Msg("kafka export failed")
	}
}

// Close closes the underlying writer.
func (e *Exporter) Close() error {
	if e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
