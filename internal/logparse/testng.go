// Package logparse turns retry logs of test runners into structured
// records and summary tables.
package logparse

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"
)

// Entry types
const (
	EntryRetryNotify = "retry_notify"
	EntryFinal       = "final_or_detected"
)

const (
	logTimestampLayout = "2006-01-02 15:04:05,000"
	isoLayout          = "2006-01-02T15:04:05"
	isoMicroLayout     = "2006-01-02T15:04:05.000000"
)

const tsPrefix = `(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3}).*`

var (
	finishedPattern = regexp.MustCompile(tsPrefix +
		`Test '([^']+)' finished \| Final Status: (PASS|FAIL) \| Total Duration: (\d+) ms \(after (\d+) attempts\)`)
	retryPattern = regexp.MustCompile(tsPrefix +
		`Retrying test '([^']+)' \| Status: (\S+) \| Attempt: (\d+)/(\d+) \| Duration: (\d+) ms`)
	finalResultPattern = regexp.MustCompile(tsPrefix +
		`Final Result \| Test: (\S+) \s*\| Status: (PASS|FAIL)`)
)

// Entry is one recognised line of a retry log
type Entry struct {
	Source     string `json:"source"`
	LineNo     int    `json:"line_no"`
	Timestamp  string `json:"timestamp"`
	TestName   string `json:"test_name"`
	Status     string `json:"status"`
	Retries    int    `json:"retries"`
	DurationMS *int64 `json:"duration_ms"`
	EntryType  string `json:"entry_type"`
}

// AttemptTracker remembers the highest attempt number seen per test so a
// final-result line without counts can be attributed.
type AttemptTracker struct {
	max map[string]int
}

// NewAttemptTracker returns an empty tracker
func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{max: make(map[string]int)}
}

// Observe records that test reached attempt n
func (a *AttemptTracker) Observe(test string, n int) {
	if n > a.max[test] {
		a.max[test] = n
	}
}

// Max returns the highest attempt seen for test, 0 if none
func (a *AttemptTracker) Max(test string) int {
	return a.max[test]
}

// Tests returns the number of tracked tests
func (a *AttemptTracker) Tests() int {
	return len(a.max)
}

// ParseResult is the outcome of parsing one log
type ParseResult struct {
	Entries []Entry
	Tracker *AttemptTracker
}

// ParseRetryLog scans r line by line. The tracker carries attempt counts
// across calls; nil starts a fresh one. Timestamps are kept as written.
func ParseRetryLog(r io.Reader, source string, tracker *AttemptTracker) (*ParseResult, error) {
	if tracker == nil {
		tracker = NewAttemptTracker()
	}
	res := &ParseResult{Tracker: tracker}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if e, ok := parseLine(scanner.Text(), tracker); ok {
			e.Source = source
			e.LineNo = lineNo
			res.Entries = append(res.Entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to scan %s: %w", source, err)
	}
	return res, nil
}

func parseLine(line string, tracker *AttemptTracker) (Entry, bool) {
	// The finished line is authoritative: it carries total duration and attempts.
	if m := finishedPattern.FindStringSubmatch(line); m != nil {
		retries, _ := strconv.Atoi(m[5])
		dur, _ := strconv.ParseInt(m[4], 10, 64)
		tracker.Observe(m[2], retries)
		return Entry{
			Timestamp:  m[1],
			TestName:   m[2],
			Status:     m[3],
			Retries:    retries,
			DurationMS: &dur,
			EntryType:  EntryFinal,
		}, true
	}

	if m := retryPattern.FindStringSubmatch(line); m != nil {
		attempt, _ := strconv.Atoi(m[4])
		dur, _ := strconv.ParseInt(m[6], 10, 64)
		tracker.Observe(m[2], attempt)
		return Entry{
			Timestamp:  m[1],
			TestName:   m[2],
			Status:     m[3],
			Retries:    attempt,
			DurationMS: &dur,
			EntryType:  EntryRetryNotify,
		}, true
	}

	if m := finalResultPattern.FindStringSubmatch(line); m != nil {
		return Entry{
			Timestamp: m[1],
			TestName:  m[2],
			Status:    m[3],
			Retries:   tracker.Max(m[2]),
			EntryType: EntryFinal,
		}, true
	}
	return Entry{}, false
}

// ParseFiles parses each file with its own tracker and returns the
// normalised union of their entries.
func ParseFiles(paths []string) ([]Entry, error) {
	var all []Entry
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open log: %w", err)
		}
		res, err := ParseRetryLog(f, p, nil)
		f.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, res.Entries...)
	}
	return Normalize(all), nil
}

type entryKey struct {
	source  string
	line    int
	test    string
	status  string
	retries int
}

// Normalize drops duplicate entries and rewrites timestamps as ISO-8601.
// Unparsable timestamps are kept verbatim.
func Normalize(entries []Entry) []Entry {
	seen := make(map[entryKey]bool, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.TestName == "" || e.Status == "" {
			continue
		}
		key := entryKey{e.Source, e.LineNo, e.TestName, e.Status, e.Retries}
		if seen[key] {
			continue
		}
		seen[key] = true

		e.Timestamp = isoTimestamp(e.Timestamp)
		if e.EntryType == "" {
			e.EntryType = EntryFinal
		}
		out = append(out, e)
	}
	return out
}

func isoTimestamp(ts string) string {
	t, err := time.Parse(logTimestampLayout, ts)
	if err != nil {
		return ts
	}
	if t.Nanosecond() == 0 {
		return t.Format(isoLayout)
	}
	return t.Format(isoMicroLayout)
}

// ParseTimestamp reads either a log or an ISO timestamp
func ParseTimestamp(ts string) (time.Time, bool) {
	for _, layout := range []string{isoMicroLayout, isoLayout, logTimestampLayout} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
