package persistence

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"iot-sentinel/internal/metrics"
)

// LooksNumeric reports whether a CSV cell parses as a number. A header row
// never contains one.
func LooksNumeric(cell string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	return err == nil
}

// LoadExtraHeader returns the first row of the CSV file at path, or nil if
// the file does not exist or is empty.
func LoadExtraHeader(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	row, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read extra header: %w", err)
	}
	return row, nil
}

// EnsureHeader makes sure the CSV file at path starts with a header row.
//
// A missing or empty file is created with the extra row (if any) followed by
// header. A file whose first line is blank or contains a numeric-looking
// field is rewritten atomically with the header rows prepended and every
// original byte preserved after them. A well-formed file is not touched.
// The returned bool reports whether the file was written.
func EnsureHeader(path string, extra, header []string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return true, writeHeaderOnly(path, extra, header)
	case err != nil:
		return false, fmt.Errorf("stat %s: %w", path, err)
	case info.Size() == 0:
		return true, writeHeaderOnly(path, extra, header)
	}

	ok, err := hasHeader(path)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}

	if err := prependHeader(path, info.Mode().Perm(), extra, header); err != nil {
		return false, err
	}
	metrics.HeaderRepairs.Inc()
	return true, nil
}

func hasHeader(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// csv.Reader skips blank lines, so check the first physical line first.
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if strings.TrimSpace(line) == "" {
		return false, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek %s: %w", path, err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	first, err := r.Read()
	if err != nil {
		return false, nil
	}
	for _, cell := range first {
		if LooksNumeric(cell) {
			return false, nil
		}
	}
	return true, nil
}

func writeHeaderOnly(path string, extra, header []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := writeHeaderRows(f, extra, header); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func prependHeader(path string, perm os.FileMode, extra, header []string) error {
	rows, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(rows) + 256)
	if err := writeHeaderRows(&buf, extra, header); err != nil {
		return err
	}
	buf.Write(rows)

	// Written to a temp file in the same directory, then renamed over path.
	if err := atomicwriter.WriteFile(path, buf.Bytes(), perm); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func writeHeaderRows(w io.Writer, extra, header []string) error {
	cw := csv.NewWriter(w)
	if len(extra) > 0 {
		if err := cw.Write(extra); err != nil {
			return fmt.Errorf("write extra header: %w", err)
		}
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	cw.Flush()
	return cw.Error()
}
