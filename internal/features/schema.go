package features

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const (
	// RateFeature is the feature fed by the per-device request-rate counter.
	RateFeature = "req_count_same_sec"

	// RateAlias is accepted in telemetry as a synonym for RateFeature.
	RateAlias = "req_count"

	// LabelColumn is the training label, never part of the feature set.
	LabelColumn = "attack_type"

	// sampleRows is how many rows of the sample dataset are inspected when
	// inferring numeric columns.
	sampleRows = 5
)

// ErrNoSchema is returned when neither a feature-order file nor a usable
// sample dataset is available.
var ErrNoSchema = errors.New("features: no feature schema available")

// Schema is the ordered list of feature names the scorer was trained on.
// It is immutable once built.
type Schema struct {
	names []string
	index map[string]int
}

// NewSchema builds a schema from names, dropping duplicates and appending
// RateFeature if it is absent.
func NewSchema(names []string) *Schema {
	s := &Schema{index: make(map[string]int, len(names)+1)}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, dup := s.index[n]; dup {
			continue
		}
		s.index[n] = len(s.names)
		s.names = append(s.names, n)
	}
	if _, ok := s.index[RateFeature]; !ok {
		s.index[RateFeature] = len(s.names)
		s.names = append(s.names, RateFeature)
	}
	return s
}

// Names returns a copy of the feature names in order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of features.
func (s *Schema) Len() int { return len(s.names) }

// Index returns the position of name, or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// LoadSchema resolves the feature order. The JSON array at orderPath wins;
// otherwise the numeric columns of the sample dataset at samplePath are used,
// excluding LabelColumn.
func LoadSchema(orderPath, samplePath string) (*Schema, error) {
	if orderPath != "" {
		names, err := readFeatureOrder(orderPath)
		if err == nil && len(names) > 0 {
			return NewSchema(names), nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("features: read feature order: %w", err)
		}
	}

	if samplePath != "" {
		names, err := inferNumericColumns(samplePath)
		if err == nil && len(names) > 0 {
			return NewSchema(names), nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("features: infer from sample dataset: %w", err)
		}
	}

	return nil, ErrNoSchema
}

func readFeatureOrder(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// inferNumericColumns treats a column as numeric when every sampled non-empty
// cell parses as a float and at least one cell is non-empty.
func inferNumericColumns(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	numeric := make([]bool, len(header))
	seen := make([]bool, len(header))
	for i := range numeric {
		numeric[i] = true
	}

	for n := 0; n < sampleRows; n++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		for i := range header {
			if i >= len(row) {
				continue
			}
			cell := strings.TrimSpace(row[i])
			if cell == "" {
				continue
			}
			seen[i] = true
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				numeric[i] = false
			}
		}
	}

	var names []string
	for i, col := range header {
		col = strings.TrimSpace(col)
		if col == LabelColumn || !numeric[i] || !seen[i] {
			continue
		}
		names = append(names, col)
	}
	return names, nil
}
