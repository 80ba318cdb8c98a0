package persistence

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sentinel/internal/features"
	"iot-sentinel/internal/models"
)

var testColumns = []string{"temperature", "humidity", "req_count_same_sec"}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.CSVPath = filepath.Join(dir, "predictions.csv")
	cfg.AuditPath = filepath.Join(dir, "predictions.log")
	cfg.ErrorPath = filepath.Join(dir, "errors.log")
	cfg.ExtraHeaderPath = filepath.Join(dir, "raw_headers.csv")
	cfg.IdleTimeout = 10 * time.Millisecond
	return cfg
}

func testRecord(temp any) features.LogRecord {
	return features.LogRecord{
		DeviceID: "D1",
		Fields: map[string]any{
			"temperature":        temp,
			"humidity":           nil,
			"req_count_same_sec": 1,
		},
		RawTimestamp: "2024-03-01T12:00:00",
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.TrimSpace(s.Text()) != "" {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *recordingSink) SaveRecords(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return s.err
}

func (s *recordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestNewWritesHeader(t *testing.T) {
	cfg := testConfig(t.TempDir())
	p, err := New(cfg, testColumns)
	require.NoError(t, err)
	defer p.Close()

	rows := readCSV(t, cfg.CSVPath)
	require.Len(t, rows, 1)
	assert.Equal(t, append(append([]string{}, testColumns...), TrailingColumns...), rows[0])
	assert.Equal(t, rows[0], p.Header())
}

func TestPipelineWritesQueuedRecords(t *testing.T) {
	cfg := testConfig(t.TempDir())
	sink := &recordingSink{}
	p, err := New(cfg, testColumns, sink)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	verdict := models.Verdict{Label: "1", LabelIdx: 1, Confidence: 0.99, Probabilities: []float64{0.01, 0.99}}
	for i := 0; i < 5; i++ {
		p.Enqueue(testRecord(22.5), verdict)
	}

	require.Eventually(t, func() bool { return sink.Len() == 5 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	rows := readCSV(t, cfg.CSVPath)
	require.Len(t, rows, 6)
	row := rows[1]
	assert.Equal(t, "22.5", row[0])
	assert.Equal(t, "", row[1], "missing values are empty cells")
	assert.Equal(t, "1", row[2])
	assert.Equal(t, "2024-03-01T12:00:00", row[3])
	assert.Equal(t, "1", row[4])
	assert.Equal(t, "1", row[5])
	assert.Equal(t, "0.99", row[6])
	assert.Regexp(t, `^\d+\.\d{6}$`, row[7])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, row[8])

	assert.Equal(t, 5, countLines(t, cfg.AuditPath))
}

func TestPipelineAuditLineShape(t *testing.T) {
	cfg := testConfig(t.TempDir())
	p, err := New(cfg, testColumns)
	require.NoError(t, err)

	rec := p.Enqueue(testRecord("hot"), models.Verdict{Label: "0", Confidence: 1})
	require.NoError(t, p.Close())

	data, err := os.ReadFile(cfg.AuditPath)
	require.NoError(t, err)

	var line struct {
		ID     string         `json:"id"`
		Input  map[string]any `json:"input"`
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line))
	assert.Equal(t, rec.ID.String(), line.ID)
	assert.Equal(t, "hot", line.Input["temperature"])
	assert.Equal(t, "2024-03-01T12:00:00", line.Input["raw_timestamp"])
	assert.Equal(t, "0", line.Result["label"])
}

func TestPipelineQueueFullFallsBackToSyncWrite(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.QueueSize = 1
	p, err := New(cfg, testColumns)
	require.NoError(t, err)
	defer p.Close()

	// No worker running: the first record fills the queue, the rest must
	// be written synchronously.
	for i := 0; i < 4; i++ {
		p.Enqueue(testRecord(float64(i)), models.Verdict{Label: "0", Confidence: 1})
	}

	rows := readCSV(t, cfg.CSVPath)
	assert.Len(t, rows, 1+3)
	assert.Equal(t, 4, countLines(t, cfg.AuditPath))

	// The queued record is flushed when the worker stops.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Serve(ctx), context.Canceled)
	assert.Len(t, readCSV(t, cfg.CSVPath), 1+4)
}

func TestPipelineRepairsCorruptedHeaderBeforeAppend(t *testing.T) {
	cfg := testConfig(t.TempDir())
	p, err := New(cfg, testColumns)
	require.NoError(t, err)
	defer p.Close()

	// Someone truncates the log and writes a bare data row.
	require.NoError(t, os.WriteFile(cfg.CSVPath, []byte("1,2,3,x,0,0,1,1,now\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Enqueue(testRecord(1.0), models.Verdict{Label: "0", Confidence: 1})
	require.ErrorIs(t, p.Serve(ctx), context.Canceled)

	rows := readCSV(t, cfg.CSVPath)
	require.Len(t, rows, 3)
	assert.Equal(t, p.Header(), rows[0])
	assert.Equal(t, "1", rows[1][0])
}

func TestPipelineSinkErrorsAreLoggedNotReturned(t *testing.T) {
	cfg := testConfig(t.TempDir())
	sink := &recordingSink{err: errors.New("clickhouse down")}
	p, err := New(cfg, testColumns, sink)
	require.NoError(t, err)
	defer p.Close()

	p.Enqueue(testRecord(1.0), models.Verdict{Label: "0", Confidence: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Serve(ctx), context.Canceled)

	assert.Equal(t, 1, sink.Len())
	assert.Contains(t, readFile(t, cfg.ErrorPath), "clickhouse down")
	assert.Len(t, readCSV(t, cfg.CSVPath), 2)
}

func TestPipelineUsesExtraHeader(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	require.NoError(t, os.WriteFile(cfg.ExtraHeaderPath, []byte("raw_a,raw_b\n"), 0o644))

	p, err := New(cfg, testColumns)
	require.NoError(t, err)
	defer p.Close()

	rows := readCSV(t, cfg.CSVPath)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"raw_a", "raw_b"}, rows[0])
	assert.Equal(t, p.Header(), rows[1])
}
