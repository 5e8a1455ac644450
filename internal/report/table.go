package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
)

// Columns is the header of a results table, in order
var Columns = []string{
	"pair_id", "image", "mode", "attempts_total", "success", "final_failure",
	"max_cpu", "max_used_mb", "total_mb", "avail_mb", "attempts_meta",
}

var (
	ErrHeaderMismatch = errors.New("results table header mismatch")
	ErrEmptyTable     = errors.New("results table has no header")
)

// TableWriter appends summaries to a results table, one flushed row per
// summary, so a crashed batch keeps every finished workload.
type TableWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	csv  *csv.Writer
}

// OpenTable opens path for appending, creating it and its directory as
// needed. The header is written only when the file is empty; an existing
// table must carry the same header.
func OpenTable(path string) (*TableWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	existing, err := readHeader(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrEmptyTable) {
		return nil, err
	}
	if existing != nil && !slices.Equal(existing, Columns) {
		return nil, fmt.Errorf("%w: %s", ErrHeaderMismatch, path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results table: %w", err)
	}
	t := &TableWriter{path: path, file: f, csv: csv.NewWriter(f)}

	if existing == nil {
		if err := t.writeRow(Columns); err != nil {
			f.Close()
			return nil, err
		}
	}
	return t, nil
}

// Path returns the table location
func (t *TableWriter) Path() string {
	return t.path
}

// Write appends one summary row and flushes it
func (t *TableWriter) Write(s *PairSummary) error {
	row, err := summaryRow(s)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeRow(row)
}

func (t *TableWriter) writeRow(row []string) error {
	if err := t.csv.Write(row); err != nil {
		return fmt.Errorf("failed to write results row: %w", err)
	}
	t.csv.Flush()
	if err := t.csv.Error(); err != nil {
		return fmt.Errorf("failed to flush results row: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file
func (t *TableWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.csv.Flush()
	if err := t.csv.Error(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}

func summaryRow(s *PairSummary) ([]string, error) {
	attempts := s.Attempts
	if attempts == nil {
		attempts = []AttemptResult{}
	}
	meta, err := json.Marshal(attempts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attempts of %s: %w", s.PairID, err)
	}
	return []string{
		s.PairID,
		s.Image,
		s.Mode,
		strconv.Itoa(s.AttemptsTotal),
		strconv.FormatBool(s.Success),
		s.FinalFailure,
		formatOptional(s.PeakCPU),
		formatOptional(s.PeakUsedMB),
		formatOptional(s.TotalMB),
		formatOptional(s.AvailMB),
		string(meta),
	}, nil
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func parseOptional(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Table is a raw CSV table
type Table struct {
	Header []string
	Rows   [][]string
}

// ReadTable loads a whole CSV table
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &Table{Header: header, Rows: rows}, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyTable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	return header, nil
}

// ReadSummaries parses a results table written by TableWriter
func ReadSummaries(path string) ([]PairSummary, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(t.Header, Columns) {
		return nil, fmt.Errorf("%w: %s", ErrHeaderMismatch, path)
	}

	out := make([]PairSummary, 0, len(t.Rows))
	for i, row := range t.Rows {
		s, err := parseSummaryRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseSummaryRow(row []string) (PairSummary, error) {
	if len(row) != len(Columns) {
		return PairSummary{}, fmt.Errorf("expected %d fields, got %d", len(Columns), len(row))
	}
	s := PairSummary{PairID: row[0], Image: row[1], Mode: row[2], FinalFailure: row[5]}

	var err error
	if s.AttemptsTotal, err = strconv.Atoi(row[3]); err != nil {
		return s, fmt.Errorf("attempts_total: %w", err)
	}
	if s.Success, err = strconv.ParseBool(row[4]); err != nil {
		return s, fmt.Errorf("success: %w", err)
	}
	for i, dst := range []**float64{&s.PeakCPU, &s.PeakUsedMB, &s.TotalMB, &s.AvailMB} {
		if *dst, err = parseOptional(row[6+i]); err != nil {
			return s, fmt.Errorf("%s: %w", Columns[6+i], err)
		}
	}
	if row[10] != "" {
		if err := json.Unmarshal([]byte(row[10]), &s.Attempts); err != nil {
			return s, fmt.Errorf("attempts_meta: %w", err)
		}
	}
	return s, nil
}

// MergeTables concatenates tables sharing one header into out, replacing
// it. It returns the number of data rows written.
func MergeTables(out string, inputs []string) (int, error) {
	if len(inputs) == 0 {
		return 0, errors.New("no input tables")
	}

	var header []string
	var rows [][]string
	for _, in := range inputs {
		t, err := ReadTable(in)
		if err != nil {
			return 0, err
		}
		if header == nil {
			header = t.Header
		} else if !slices.Equal(header, t.Header) {
			return 0, fmt.Errorf("%w: %s", ErrHeaderMismatch, in)
		}
		rows = append(rows, t.Rows...)
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", out, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return 0, err
	}
	if err := w.WriteAll(rows); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", out, err)
	}
	return len(rows), nil
}
