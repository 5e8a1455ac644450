package logparse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `2024-05-01 10:00:00,000 INFO  [main] RetryAnalyzer - Retrying test 'testLogin' | Status: FAIL | Attempt: 1/3 | Duration: 28 ms
2024-05-01 10:00:02,500 INFO  [main] RetryAnalyzer - Retrying test 'testLogin' | Status: FAIL | Attempt: 2/3 | Duration: 31 ms
2024-05-01 10:00:03,000 INFO  [main] Listener - Test 'testLogin' finished | Final Status: PASS | Total Duration: 90 ms (after 2 attempts)
2024-05-01 10:00:04,000 INFO  [main] FlakyTest - Final Result | Test: testCheckout  | Status: FAIL
2024-05-01 10:00:05,000 DEBUG unrelated line
`

func TestParseRetryLog(t *testing.T) {
	res, err := ParseRetryLog(strings.NewReader(sampleLog), "test-retry.log", nil)
	require.NoError(t, err)
	require.Len(t, res.Entries, 4)

	first := res.Entries[0]
	assert.Equal(t, EntryRetryNotify, first.EntryType)
	assert.Equal(t, "testLogin", first.TestName)
	assert.Equal(t, 1, first.Retries)
	assert.Equal(t, int64(28), *first.DurationMS)
	assert.Equal(t, 1, first.LineNo)

	finished := res.Entries[2]
	assert.Equal(t, EntryFinal, finished.EntryType)
	assert.Equal(t, "PASS", finished.Status)
	assert.Equal(t, 2, finished.Retries)
	assert.Equal(t, int64(90), *finished.DurationMS)

	final := res.Entries[3]
	assert.Equal(t, "testCheckout", final.TestName)
	assert.Equal(t, 0, final.Retries)
	assert.Nil(t, final.DurationMS)

	assert.Equal(t, 2, res.Tracker.Max("testLogin"))
}

func TestTrackerCarriesAcrossCalls(t *testing.T) {
	tracker := NewAttemptTracker()
	_, err := ParseRetryLog(strings.NewReader(
		"2024-05-01 10:00:00,000 Retrying test 'testPay' | Status: FAIL | Attempt: 2/3 | Duration: 5 ms\n"), "a.log", tracker)
	require.NoError(t, err)

	res, err := ParseRetryLog(strings.NewReader(
		"2024-05-01 10:01:00,000 Final Result | Test: testPay | Status: PASS\n"), "b.log", tracker)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, 2, res.Entries[0].Retries)
	assert.Same(t, tracker, res.Tracker)
}

func TestNormalize(t *testing.T) {
	entries := []Entry{
		{Source: "a", LineNo: 1, TestName: "t", Status: "PASS", Timestamp: "2024-05-01 10:00:02,500"},
		{Source: "a", LineNo: 1, TestName: "t", Status: "PASS", Timestamp: "2024-05-01 10:00:02,500"},
		{Source: "a", LineNo: 2, TestName: "t", Status: "FAIL", Timestamp: "2024-05-01 10:00:03,000"},
		{Source: "a", LineNo: 3, TestName: "", Status: "FAIL"},
		{Source: "b", LineNo: 1, TestName: "u", Status: "PASS", Timestamp: "yesterday"},
	}
	out := Normalize(entries)
	require.Len(t, out, 3)
	assert.Equal(t, "2024-05-01T10:00:02.500000", out[0].Timestamp)
	assert.Equal(t, "2024-05-01T10:00:03", out[1].Timestamp)
	assert.Equal(t, "yesterday", out[2].Timestamp)
	assert.Equal(t, EntryFinal, out[2].EntryType)
}

func TestParseFilesAndWrite(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "test-retry.log")
	require.NoError(t, os.WriteFile(log, []byte(sampleLog), 0644))

	entries, err := ParseFiles([]string{log})
	require.NoError(t, err)
	require.Len(t, entries, 4)

	jsonPath := filepath.Join(dir, "out", "tests.json")
	require.NoError(t, WriteJSON(jsonPath, entries))
	back, err := ReadJSON(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, entries, back)

	csvPath := filepath.Join(dir, "out", "retry_analysis.csv")
	require.NoError(t, WriteAnalysisCSV(csvPath, entries))
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, "test_name,status,retries,duration,timestamp", lines[0])
	assert.Equal(t, "testCheckout,FAIL,0,0,2024-05-01T10:00:04", lines[4])
}
