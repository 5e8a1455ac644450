package logparse

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// CountRow is the number of entries with a given retry count
type CountRow struct {
	Retries int `json:"retries"`
	Count   int `json:"count"`
}

// RetryDistribution counts entries per retry count, ascending
func RetryDistribution(entries []Entry) []CountRow {
	counts := make(map[int]int)
	for _, e := range entries {
		counts[e.Retries]++
	}
	rows := make([]CountRow, 0, len(counts))
	for r, n := range counts {
		rows = append(rows, CountRow{Retries: r, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Retries < rows[j].Retries })
	return rows
}

// StatusRow breaks down the entries of one retry count by status
type StatusRow struct {
	Retries  int            `json:"retries"`
	ByStatus map[string]int `json:"by_status"`
}

// StatusByRetry groups entries by retry count and status
func StatusByRetry(entries []Entry) []StatusRow {
	groups := make(map[int]map[string]int)
	for _, e := range entries {
		if groups[e.Retries] == nil {
			groups[e.Retries] = make(map[string]int)
		}
		groups[e.Retries][e.Status]++
	}
	rows := make([]StatusRow, 0, len(groups))
	for r, m := range groups {
		rows = append(rows, StatusRow{Retries: r, ByStatus: m})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Retries < rows[j].Retries })
	return rows
}

// Statuses returns the sorted set of statuses present in rows
func Statuses(rows []StatusRow) []string {
	set := make(map[string]bool)
	for _, r := range rows {
		for s := range r.ByStatus {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DurationRow is the mean duration of entries with one retry count
type DurationRow struct {
	Retries int     `json:"retries"`
	AvgMS   float64 `json:"avg_duration_ms"`
	Count   int     `json:"count"`
}

// AvgDurationByRetry averages durations per retry count. Entries without a
// duration count as zero.
func AvgDurationByRetry(entries []Entry) []DurationRow {
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, e := range entries {
		if e.DurationMS != nil {
			sums[e.Retries] += float64(*e.DurationMS)
		}
		counts[e.Retries]++
	}
	rows := make([]DurationRow, 0, len(counts))
	for r, n := range counts {
		rows = append(rows, DurationRow{Retries: r, AvgMS: sums[r] / float64(n), Count: n})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Retries < rows[j].Retries })
	return rows
}

// PassRatePoint is the running pass rate after Index+1 entries
type PassRatePoint struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Passed    int       `json:"passed"`
	Rate      float64   `json:"rate"`
}

// CumulativePassRate orders entries by timestamp when any has one, else
// keeps input order, and tracks the running share of PASS statuses.
// Entries without a timestamp sort last.
func CumulativePassRate(entries []Entry) []PassRatePoint {
	type stamped struct {
		e  Entry
		t  time.Time
		ok bool
	}
	items := make([]stamped, len(entries))
	anyTime := false
	for i, e := range entries {
		t, ok := ParseTimestamp(e.Timestamp)
		items[i] = stamped{e, t, ok}
		anyTime = anyTime || ok
	}
	if anyTime {
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].ok != items[j].ok {
				return items[i].ok
			}
			return items[i].t.Before(items[j].t)
		})
	}

	points := make([]PassRatePoint, len(items))
	passed := 0
	for i, it := range items {
		if it.e.Status == "PASS" {
			passed++
		}
		points[i] = PassRatePoint{
			Index:     i,
			Timestamp: it.t,
			Passed:    passed,
			Rate:      float64(passed) / float64(i+1),
		}
	}
	return points
}

// IntervalRow is the time since the previous retry notice of the same test
type IntervalRow struct {
	TestName string  `json:"test_name"`
	Attempt  int     `json:"attempt"`
	Seconds  float64 `json:"duration_sec"`
}

// RetryIntervals measures, per test, the seconds between consecutive retry
// notices ordered by attempt. The first notice of a test gets 0.
func RetryIntervals(entries []Entry) []IntervalRow {
	type notice struct {
		test    string
		attempt int
		at      time.Time
	}
	var notices []notice
	for _, e := range entries {
		if e.EntryType != EntryRetryNotify {
			continue
		}
		t, ok := ParseTimestamp(e.Timestamp)
		if !ok {
			continue
		}
		notices = append(notices, notice{e.TestName, e.Retries, t})
	}
	sort.SliceStable(notices, func(i, j int) bool {
		if notices[i].test != notices[j].test {
			return notices[i].test < notices[j].test
		}
		return notices[i].attempt < notices[j].attempt
	})

	rows := make([]IntervalRow, len(notices))
	for i, n := range notices {
		rows[i] = IntervalRow{TestName: n.test, Attempt: n.attempt}
		if i > 0 && notices[i-1].test == n.test {
			rows[i].Seconds = n.at.Sub(notices[i-1].at).Seconds()
		}
	}
	return rows
}

// WriteJSON writes entries as an indented JSON array
func WriteJSON(path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ReadJSON loads entries written by WriteJSON
func ReadJSON(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return entries, nil
}

// AnalysisColumns is the header of the flat retry analysis table
var AnalysisColumns = []string{"test_name", "status", "retries", "duration", "timestamp"}

// WriteAnalysisCSV writes one row per entry. Missing durations are 0.
func WriteAnalysisCSV(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(AnalysisColumns); err != nil {
		return err
	}
	for _, e := range entries {
		var dur int64
		if e.DurationMS != nil {
			dur = *e.DurationMS
		}
		if err := w.Write([]string{
			e.TestName,
			e.Status,
			strconv.Itoa(e.Retries),
			strconv.FormatInt(dur, 10),
			e.Timestamp,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
