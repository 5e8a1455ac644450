// Package workload loads the table of workload pairs a batch replays.
package workload

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNoImageColumn  = errors.New("could not detect an image column; set one explicitly")
	ErrUnknownColumn  = errors.New("column not found in header")
	ErrEmptyImage     = errors.New("row has an empty image")
	ErrDuplicateID    = errors.New("duplicate workload id")
	ErrEmptyWorkloads = errors.New("workload table has no header")
)

// Column name candidates, matched case-insensitively in this order
var (
	IDCandidates      = []string{"pair_id", "id", "pair"}
	ImageCandidates   = []string{"image", "image_name", "docker_image", "docker_img"}
	CommandCandidates = []string{"test_command", "command", "cmd", "run_cmd"}
)

// Descriptor is one workload to replay. It is never modified after loading.
type Descriptor struct {
	ID      string
	Image   string
	Command string
}

// Columns holds explicit column choices. Empty fields are auto-detected.
type Columns struct {
	ID      string
	Image   string
	Command string
}

// Schema maps descriptor fields to column indexes; -1 means absent
type Schema struct {
	ID      int
	Image   int
	Command int
}

// Resolve finds the descriptor columns in header. An explicit choice must
// name an existing column; the image column is mandatory.
func Resolve(header []string, explicit Columns) (Schema, error) {
	var s Schema
	var err error

	if s.Image, err = pick(header, explicit.Image, ImageCandidates); err != nil {
		return s, err
	}
	if s.Image < 0 {
		return s, ErrNoImageColumn
	}
	if s.ID, err = pick(header, explicit.ID, IDCandidates); err != nil {
		return s, err
	}
	if s.Command, err = pick(header, explicit.Command, CommandCandidates); err != nil {
		return s, err
	}
	return s, nil
}

func pick(header []string, explicit string, candidates []string) (int, error) {
	if explicit != "" {
		if i := indexFold(header, explicit); i >= 0 {
			return i, nil
		}
		return -1, fmt.Errorf("%w: %q", ErrUnknownColumn, explicit)
	}
	for _, c := range candidates {
		if i := indexFold(header, c); i >= 0 {
			return i, nil
		}
	}
	return -1, nil
}

func indexFold(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

// Load reads a workload table from path
func Load(path string, explicit Columns) ([]Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workload table: %w", err)
	}
	defer f.Close()

	descs, err := Read(f, explicit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return descs, nil
}

// Read parses a CSV workload table with a header row. Rows without an id
// column get a random 8 character id.
func Read(r io.Reader, explicit Columns) ([]Descriptor, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyWorkloads
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	schema, err := Resolve(header, explicit)
	if err != nil {
		return nil, err
	}

	var descs []Descriptor
	seen := make(map[string]int)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		if blank(record) {
			continue
		}

		d := Descriptor{
			ID:      field(record, schema.ID),
			Image:   field(record, schema.Image),
			Command: field(record, schema.Command),
		}
		if d.Image == "" {
			return nil, fmt.Errorf("line %d: %w", line, ErrEmptyImage)
		}
		if d.ID == "" {
			d.ID = uuid.NewString()[:8]
		}
		if prev, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("line %d: %w %q (first on line %d)", line, ErrDuplicateID, d.ID, prev)
		}
		seen[d.ID] = line
		descs = append(descs, d)
	}
	return descs, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
