package database

// SQL schemas for all ClickHouse tables

const (
	// DeviceRegistryTableSQL creates the device_registry table. Rows are
	// versioned by updated_at; read with FINAL to get the latest state.
	DeviceRegistryTableSQL = `
		CREATE TABLE IF NOT EXISTS device_registry (
			device_id String,
			name String,
			type String,
			location String,
			data String,
			threat String,
			last_seen String,
			power Bool,
			updated_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY device_id
	`

	// ThreatVerdictsTableSQL creates the threat_verdicts table
	ThreatVerdictsTableSQL = `
		CREATE TABLE IF NOT EXISTS threat_verdicts (
			id UUID,
			received_at DateTime64(3),
			device_id String,
			label LowCardinality(String),
			label_idx UInt8,
			confidence Float64,
			attack_probability Nullable(Float64),
			uncertain Bool,
			raw_timestamp String,
			input String
		) ENGINE = MergeTree()
		ORDER BY (device_id, received_at)
		PARTITION BY toYYYYMM(received_at)
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		DeviceRegistryTableSQL,
		ThreatVerdictsTableSQL,
	}
}
