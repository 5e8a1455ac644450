package logparse

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var pairAttemptPattern = regexp.MustCompile(`Pair (\S+) \| Attempt (\d+) \| (\w+)`)

// PairStats is the per-pair view of a pair log
type PairStats struct {
	PairID   string `json:"pair_id"`
	Attempts int    `json:"attempts"`
	Passed   bool   `json:"passed"`
}

// PairLogSummary aggregates attempt lines of a pair log
type PairLogSummary struct {
	TotalAttempts int         `json:"total_retries"`
	Passes        int         `json:"total_passes"`
	Fails         int         `json:"total_fails"`
	SuccessRate   float64     `json:"retry_success_rate"`
	Pairs         []PairStats `json:"pairs"`
}

// SummarizePairLog counts "Pair X | Attempt Y | STATUS" lines. The success
// rate is a percentage rounded to two decimals.
func SummarizePairLog(r io.Reader) (*PairLogSummary, error) {
	s := &PairLogSummary{}
	pairs := make(map[string]*PairStats)
	var order []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		m := pairAttemptPattern.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		s.TotalAttempts++

		p, ok := pairs[m[1]]
		if !ok {
			p = &PairStats{PairID: m[1]}
			pairs[m[1]] = p
			order = append(order, m[1])
		}
		if n, err := strconv.Atoi(m[2]); err == nil && n > p.Attempts {
			p.Attempts = n
		}

		switch strings.ToUpper(m[3]) {
		case "PASS":
			s.Passes++
			p.Passed = true
		case "FAIL":
			s.Fails++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan pair log: %w", err)
	}

	denom := max(1, s.Passes+s.Fails)
	s.SuccessRate = math.Round(float64(s.Passes)/float64(denom)*100*100) / 100

	for _, id := range order {
		s.Pairs = append(s.Pairs, *pairs[id])
	}
	return s, nil
}
