package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogSink writes usage records as structured log lines. Useful in
// deployments that ship logs to an external pipeline instead of keeping
// usage in the database.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a log-based sink. A nil logger uses the standard one.
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{logger: logger}
}

// Write emits one usage record at info level.
func (s *LogSink) Write(ctx context.Context, record *UsageRecord) error {
	s.logger.WithFields(logrus.Fields{
		"subject_id":  record.SubjectID,
		"source":      record.Source,
		"tenant_id":   record.TenantID,
		"method":      record.Method,
		"route":       record.Route,
		"status_code": record.StatusCode,
		"latency_ms":  record.LatencyMS,
		"request_id":  record.RequestID,
		"client_ip":   record.ClientIP,
		"timestamp":   record.Timestamp,
	}).Info("usage")
	return nil
}

// MultiSink fans one record out to several sinks, returning the first
// error after attempting all of them.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write delivers the record to every sink.
func (s *MultiSink) Write(ctx context.Context, record *UsageRecord) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
