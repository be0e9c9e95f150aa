package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/foliocms/folio/pkg/auth"
)

// UsageRecord is one request's usage entry.
type UsageRecord struct {
	SubjectID  uuid.UUID             `json:"subject_id"`
	Source     auth.CredentialSource `json:"source,omitempty"`
	TenantID   string                `json:"tenant_id,omitempty"`
	Method     string                `json:"method"`
	Route      string                `json:"route"`
	StatusCode int                   `json:"status_code"`
	LatencyMS  int64                 `json:"latency_ms"`
	RequestID  string                `json:"request_id,omitempty"`
	ClientIP   string                `json:"client_ip,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Sink persists usage records.
type Sink interface {
	Write(ctx context.Context, record *UsageRecord) error
}

// Recorder accepts usage records for asynchronous persistence.
type Recorder interface {
	Record(record *UsageRecord)
}

// AsyncRecorder buffers records and writes them from a single background
// worker. Record never blocks: when the buffer is full the record is
// dropped and counted.
type AsyncRecorder struct {
	sink    Sink
	ch      chan *UsageRecord
	dropped atomic.Int64
	onError func(error)
	onDrop  func()

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAsyncRecorder starts the background worker. bufferSize defaults to
// 1024 when non-positive. onError is called on sink write failures, onDrop
// on every record lost to a full buffer; both may be nil.
func NewAsyncRecorder(sink Sink, bufferSize int, onError func(error), onDrop func()) *AsyncRecorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	r := &AsyncRecorder{
		sink:    sink,
		ch:      make(chan *UsageRecord, bufferSize),
		onError: onError,
		onDrop:  onDrop,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record queues a usage record, dropping it if the buffer is full.
func (r *AsyncRecorder) Record(record *UsageRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	select {
	case r.ch <- record:
	default:
		r.dropped.Add(1)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

// Dropped returns the number of records lost to a full buffer.
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records, flushes the buffer, and waits for the
// worker to finish.
func (r *AsyncRecorder) Close() {
	r.closeOnce.Do(func() {
		close(r.ch)
	})
	r.wg.Wait()
}

func (r *AsyncRecorder) run() {
	defer r.wg.Done()
	for record := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.sink.Write(ctx, record)
		cancel()
		if err != nil && r.onError != nil {
			r.onError(err)
		}
	}
}
