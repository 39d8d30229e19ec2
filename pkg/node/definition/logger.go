// Package definition holds the node's ambient stack: the structured logger,
// its optional CloudWatch forwarding sink, and the Prometheus metrics
// registry. None of these carry correctness-critical logic.
package definition

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a shorthand for the extra, event-specific fields a log record
// may carry alongside the required ones.
type Fields map[string]interface{}

// Logger is the small interface every component logs through: a handful of
// named methods instead of exposing the backing library directly, so call
// sites never depend on logrus.
type Logger interface {
	Event(eventType, message string, lamportClock int64, fields Fields)
	ToggleDebug(enabled bool)
	Close()
}

// sink receives every emitted record, in addition to the console. Used to
// attach the optional CloudWatch forwarder without coupling the logger to
// AWS.
type sink interface {
	Push(record map[string]interface{})
}

// DefaultLogger writes JSON log records to stdout via logrus and fans each
// record out to zero or more additional sinks (see CloudWatchSink).
type DefaultLogger struct {
	nodeID int
	logger *logrus.Logger
	sinks  []sink
}

// NewDefaultLogger builds the console JSON logger for a node. Additional
// sinks (e.g. a CloudWatchSink) can be attached with AddSink before first
// use.
func NewDefaultLogger(nodeID int) *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{nodeID: nodeID, logger: l}
}

// AddSink attaches an additional forwarding target for every log record.
func (d *DefaultLogger) AddSink(s sink) {
	d.sinks = append(d.sinks, s)
}

// Event emits one structured log record carrying node_id, timestamp_iso,
// lamport_clock, event_type, message, plus any extra fields.
func (d *DefaultLogger) Event(eventType, message string, lamportClock int64, fields Fields) {
	record := map[string]interface{}{
		"node_id":       d.nodeID,
		"timestamp_iso": time.Now().UTC().Format(time.RFC3339Nano),
		"lamport_clock": lamportClock,
		"event_type":    eventType,
		"message":       message,
	}
	for k, v := range fields {
		record[k] = v
	}

	entry := d.logger.WithFields(logrus.Fields(record))
	entry.Info(message)

	for _, s := range d.sinks {
		s.Push(record)
	}
}

func (d *DefaultLogger) ToggleDebug(enabled bool) {
	if enabled {
		d.logger.SetLevel(logrus.DebugLevel)
	} else {
		d.logger.SetLevel(logrus.InfoLevel)
	}
}

func (d *DefaultLogger) Close() {
	for _, s := range d.sinks {
		if closer, ok := s.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
