package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/goccy/go-json"

	"iot-sentinel/internal/features"
	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/models"
	"iot-sentinel/internal/persistence"
)

// ErrDeviceNotFound is returned when a device_id is not in the registry.
var ErrDeviceNotFound = errors.New("device not found")

// ClickHouseConfig holds connection settings.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logging.Info().Str("component", "clickhouse").Str("addr", cfg.Addr).Msg("connected")

	db := &ClickHouseDB{conn: conn}
	if err := db.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	logging.Info().Str("component", "clickhouse").Msg("schema initialized")
	return nil
}

// GetDevice returns the latest registry row for deviceID.
func (db *ClickHouseDB) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT device_id, name, type, location, data, threat, last_seen, power, updated_at
		FROM device_registry FINAL
		WHERE device_id = ?
		LIMIT 1
	`

	var d models.Device
	row := db.conn.QueryRow(ctx, query, deviceID)
	err := row.Scan(&d.DeviceID, &d.Name, &d.Type, &d.Location, &d.Data, &d.Threat, &d.LastSeen, &d.Power, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return &d, nil
}

// UpsertDevice inserts a new version of the device row.
func (db *ClickHouseDB) UpsertDevice(ctx context.Context, device *models.Device) error {
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO device_registry (device_id, name, type, location, data, threat, last_seen, power, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		device.DeviceID,
		device.Name,
		device.Type,
		device.Location,
		device.Data,
		device.Threat,
		device.LastSeen,
		device.Power,
		device.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// UpdateDeviceThreat records the latest threat status and data summary.
func (db *ClickHouseDB) UpdateDeviceThreat(ctx context.Context, deviceID, threat, data, lastSeen string) error {
	d, err := db.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	d.Threat = threat
	d.Data = data
	d.LastSeen = lastSeen
	d.UpdatedAt = time.Now()
	return db.UpsertDevice(ctx, d)
}

// SaveRecords inserts a batch of verdicts into threat_verdicts. It
// implements persistence.BatchSink.
func (db *ClickHouseDB) SaveRecords(ctx context.Context, records []persistence.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO threat_verdicts")
	if err != nil {
		return fmt.Errorf("failed to prepare verdict batch: %w", err)
	}

	for _, r := range records {
		input, err := json.Marshal(r.Log)
		if err != nil {
			input = []byte("{}")
		}
		var attack *float64
		if len(r.Verdict.Probabilities) >= 2 {
			p := r.Verdict.Probabilities[1]
			attack = &p
		}
		err = batch.Append(
			r.ID,
			r.ReceivedAt,
			r.Log.DeviceID,
			r.Verdict.Label,
			uint8(r.Verdict.LabelIdx),
			r.Verdict.Confidence,
			attack,
			r.Verdict.Uncertain,
			features.Stringify(r.Log.RawTimestamp),
			string(input),
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append verdict: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert verdicts: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}
