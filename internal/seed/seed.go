// Package seed imports medication plans written in YAML:
//
//	medications:
//	  - name: Lisinopril
//	    dosage: 10mg
//	    schedule: daily at 8am
//	  - name: Amoxicillin
//	    dosage: 500mg
//	    schedule: every 8 hours from 06:00
//	    with_food: true
//	    grace_period: 1h
//
// Plain text plans (.txt) hold one medication line per row; blank rows and
// rows starting with # are skipped.
package seed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/medication"
	"gopkg.in/yaml.v3"
)

// Plan is a list of medications to register
type Plan struct {
	Medications []Entry `yaml:"medications"`
}

// Entry is one medication in a plan
type Entry struct {
	Name        string `yaml:"name"`
	Dosage      string `yaml:"dosage"`
	Schedule    string `yaml:"schedule"`
	Notes       string `yaml:"notes,omitempty"`
	WithFood    bool   `yaml:"with_food,omitempty"`
	GracePeriod string `yaml:"grace_period,omitempty"`
	// Line, when set, replaces name, dosage and schedule,
	// e.g. "Lisinopril 10mg daily at 8am"
	Line string `yaml:"line,omitempty"`
}

// Adder registers drafts; the tracker implements it
type Adder interface {
	AddMedication(ctx context.Context, d medication.Draft) (medication.Medication, error)
}

// Parse decodes a plan and rejects unknown fields
func Parse(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return &p, nil
		}
		return nil, apperrors.Validation("invalid plan: %v", err)
	}
	return &p, nil
}

// ParseLines reads a plain text plan
func ParseLines(r io.Reader) (*Plan, error) {
	var p Plan
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p.Medications = append(p.Medications, Entry{Line: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return &p, nil
}

// ParseFile reads a plan from path; .txt files are read as plain text
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".txt") {
		return ParseLines(bytes.NewReader(data))
	}
	return Parse(bytes.NewReader(data))
}

// Drafts converts every entry, reporting the first failing entry by index
func (p *Plan) Drafts(parser *medication.Parser) ([]medication.Draft, error) {
	drafts := make([]medication.Draft, 0, len(p.Medications))
	for i, e := range p.Medications {
		d, err := e.Draft(parser)
		if err != nil {
			return nil, fmt.Errorf("medication %d (%s): %w", i+1, e.label(), err)
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

func (e Entry) label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Line
}

// Draft converts one entry
func (e Entry) Draft(parser *medication.Parser) (medication.Draft, error) {
	var (
		d   medication.Draft
		err error
	)
	if strings.TrimSpace(e.Line) != "" {
		d, err = parser.ParseMedication(e.Line)
		if err != nil {
			return medication.Draft{}, err
		}
	} else {
		d.Name = e.Name
		d.Dosage = e.Dosage
		d.Rule, err = parser.ParseSchedule(e.Schedule)
		if err != nil {
			return medication.Draft{}, err
		}
	}

	if e.Notes != "" {
		d.Notes = e.Notes
	}
	if e.WithFood {
		d.WithFood = true
	}
	if e.GracePeriod != "" {
		g, err := time.ParseDuration(e.GracePeriod)
		if err != nil || g <= 0 {
			return medication.Draft{}, apperrors.Validation("invalid grace period %q", e.GracePeriod)
		}
		d.GracePeriod = g
	}
	return d, nil
}

// Import validates the whole plan first and then adds each medication.
// It returns the medications added before any failure.
func Import(ctx context.Context, adder Adder, parser *medication.Parser, p *Plan) ([]medication.Medication, error) {
	drafts, err := p.Drafts(parser)
	if err != nil {
		return nil, err
	}

	added := make([]medication.Medication, 0, len(drafts))
	for _, d := range drafts {
		m, err := adder.AddMedication(ctx, d)
		if err != nil {
			if errors.Is(err, apperrors.ErrStorage) && m.ID != "" {
				added = append(added, m)
			}
			return added, err
		}
		added = append(added, m)
	}
	return added, nil
}
