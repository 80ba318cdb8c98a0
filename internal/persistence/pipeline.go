// Package persistence moves verdicts off the request path into durable
// storage: a tabular CSV log, a JSON-lines audit log and optional batch
// sinks such as ClickHouse.
package persistence

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"iot-sentinel/internal/features"
	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/metrics"
	"iot-sentinel/internal/models"
)

// TrailingColumns follow the feature columns in every tabular log row.
var TrailingColumns = []string{
	"raw_timestamp",
	"predicted_label",
	"predicted_label_idx",
	"confidence",
	"pred_time_unix",
	"pred_time_human",
}

// Record is one verdict waiting to be persisted.
type Record struct {
	ID         uuid.UUID
	Log        features.LogRecord
	Verdict    models.Verdict
	ReceivedAt time.Time
}

// BatchSink receives every batch after it has been appended to the CSV log.
type BatchSink interface {
	SaveRecords(ctx context.Context, records []Record) error
}

// Config holds configuration for the persistence pipeline.
type Config struct {
	CSVPath         string
	AuditPath       string
	ErrorPath       string
	ExtraHeaderPath string
	QueueSize       int
	MaxBatch        int
	IdleTimeout     time.Duration // how long the worker waits for work before checking in
	SinkTimeout     time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CSVPath:         "incoming_predictions.csv",
		AuditPath:       "predictions.log",
		ErrorPath:       "errors.log",
		ExtraHeaderPath: "raw_headers.csv",
		QueueSize:       1024,
		MaxBatch:        512,
		IdleTimeout:     time.Second,
		SinkTimeout:     5 * time.Second,
	}
}

// Pipeline owns the write queue and the single worker that drains it.
type Pipeline struct {
	config  Config
	columns []string
	header  []string
	extra   []string
	sinks   []BatchSink

	queue chan Record

	// csvMu serializes CSV writes between the worker and the queue-full path.
	csvMu sync.Mutex

	auditFile *os.File
	errorFile *os.File
	audit     zerolog.Logger
	errLog    zerolog.Logger

	now func() time.Time
}

// New opens the audit and error logs, makes sure the CSV log has a header
// and returns a pipeline whose worker must be started with Serve.
func New(config Config, columns []string, sinks ...BatchSink) (*Pipeline, error) {
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = def.MaxBatch
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = def.SinkTimeout
	}

	auditFile, err := openAppend(config.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	errorFile, err := openAppend(config.ErrorPath)
	if err != nil {
		auditFile.Close()
		return nil, fmt.Errorf("open error log: %w", err)
	}

	p := &Pipeline{
		config:    config,
		columns:   append([]string(nil), columns...),
		header:    append(append([]string(nil), columns...), TrailingColumns...),
		sinks:     sinks,
		queue:     make(chan Record, config.QueueSize),
		auditFile: auditFile,
		errorFile: errorFile,
		audit:     logging.NewFileLogger(auditFile),
		errLog:    logging.NewFileLogger(errorFile),
		now:       time.Now,
	}

	extra, err := LoadExtraHeader(config.ExtraHeaderPath)
	if err != nil {
		p.logError("extra_header", err)
	}
	p.extra = extra

	if _, err := EnsureHeader(config.CSVPath, p.extra, p.header); err != nil {
		p.logError("ensure_header", err)
	}

	return p, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Header returns the CSV header row.
func (p *Pipeline) Header() []string {
	return append([]string(nil), p.header...)
}

// CSVPath returns the tabular log location.
func (p *Pipeline) CSVPath() string { return p.config.CSVPath }

// Enqueue records a verdict. The audit line is always written. The record is
// then handed to the worker; if the queue is full it is appended to the CSV
// log synchronously instead. Enqueue never returns an error: failures go to
// the error log.
func (p *Pipeline) Enqueue(log features.LogRecord, verdict models.Verdict) Record {
	rec := Record{
		ID:         uuid.New(),
		Log:        log,
		Verdict:    verdict,
		ReceivedAt: p.now(),
	}

	p.audit.Log().
		Str("id", rec.ID.String()).
		Float64("time_unix", unixSeconds(rec.ReceivedAt)).
		Interface("input", rec.Log).
		Interface("result", rec.Verdict).
		Send()

	select {
	case p.queue <- rec:
		metrics.PersistenceQueueDepth.Set(float64(len(p.queue)))
	default:
		metrics.PersistenceFallbacks.Inc()
		logging.Warn().
			Str("component", "persistence").
			Str("device_id", log.DeviceID).
			Msg("write queue full, appending synchronously")
		p.writeCSV([]Record{rec})
	}
	return rec
}

// Serve drains the queue until ctx is cancelled, then flushes whatever is
// still queued and returns.
func (p *Pipeline) Serve(ctx context.Context) error {
	logging.Info().
		Str("component", "persistence").
		Str("csv", p.config.CSVPath).
		Int("queue_size", p.config.QueueSize).
		Msg("writer started")

	idle := time.NewTimer(p.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case rec := <-p.queue:
			p.writeBatch(ctx, p.collect(rec))
		case <-idle.C:
		}
		metrics.PersistenceQueueDepth.Set(float64(len(p.queue)))

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.config.IdleTimeout)
	}
}

// String implements fmt.Stringer for the supervisor.
func (p *Pipeline) String() string { return "persistence-writer" }

// collect takes whatever else is queued right now, up to MaxBatch.
func (p *Pipeline) collect(first Record) []Record {
	batch := []Record{first}
	for len(batch) < p.config.MaxBatch {
		select {
		case rec := <-p.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (p *Pipeline) drain() {
	for {
		select {
		case rec := <-p.queue:
			p.writeBatch(context.Background(), p.collect(rec))
		default:
			metrics.PersistenceQueueDepth.Set(0)
			return
		}
	}
}

func (p *Pipeline) writeBatch(ctx context.Context, batch []Record) {
	metrics.PersistenceBatchSize.Observe(float64(len(batch)))
	p.writeCSV(batch)

	if len(p.sinks) == 0 {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.SinkTimeout)
	defer cancel()
	for _, sink := range p.sinks {
		if sink == nil {
			continue
		}
		if err := sink.SaveRecords(sinkCtx, batch); err != nil {
			p.logError("sink", err)
		}
	}
}

// writeCSV repairs the header if needed and appends one row per record.
func (p *Pipeline) writeCSV(batch []Record) {
	p.csvMu.Lock()
	defer p.csvMu.Unlock()

	repaired, err := EnsureHeader(p.config.CSVPath, p.extra, p.header)
	if err != nil {
		p.logError("ensure_header", err)
	} else if repaired {
		logging.Info().Str("component", "persistence").Str("csv", p.config.CSVPath).Msg("csv header written")
	}

	f, err := openAppend(p.config.CSVPath)
	if err != nil {
		p.logError("append", err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, rec := range batch {
		if err := w.Write(p.row(rec, p.now())); err != nil {
			p.logError("append", err)
			return
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		p.logError("append", err)
	}
}

func (p *Pipeline) row(rec Record, written time.Time) []string {
	row := make([]string, 0, len(p.header))
	for _, col := range p.columns {
		row = append(row, features.Stringify(rec.Log.Value(col)))
	}
	return append(row,
		features.Stringify(rec.Log.RawTimestamp),
		rec.Verdict.Label,
		strconv.Itoa(rec.Verdict.LabelIdx),
		strconv.FormatFloat(rec.Verdict.Confidence, 'f', -1, 64),
		strconv.FormatFloat(unixSeconds(written), 'f', 6, 64),
		written.Format("2006-01-02 15:04:05"),
	)
}

func (p *Pipeline) logError(stage string, err error) {
	metrics.PersistenceErrors.WithLabelValues(stage).Inc()
	p.errLog.Log().Str("stage", stage).Err(err).Msg("persistence failure")
	logging.Error().Str("component", "persistence").Str("stage", stage).Err(err).Msg("persistence failure")
}

// Close closes the audit and error logs. Call after Serve has returned.
func (p *Pipeline) Close() error {
	err1 := p.auditFile.Close()
	err2 := p.errorFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
