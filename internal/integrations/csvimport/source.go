// Package csvimport reads stop assignments from CSV files.
//
// Assignment files carry the columns
//
//	technician_id,plan_date,stop_id,lat,lng,label
//
// and stop lists (used by routectl sequence) carry id,lat,lng,label.
// A header row is optional; label may be omitted.
package csvimport

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"fieldroute/internal/integrations"
	"fieldroute/internal/model"
)

// Source is a StopSource backed by a CSV file on disk.
type Source struct {
	Path string
}

var _ integrations.StopSource = Source{}

func (s Source) Name() string { return "csv:" + s.Path }

func (s Source) FetchStops(ctx context.Context) ([]model.Assignment, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}
	defer func() { _ = f.Close() }()
	return ReadAssignments(ctx, f)
}

// ReadAssignments groups rows by technician and plan date. Groups keep the
// order in which they first appear and stops keep file order, so the first
// row of a group is that technician's start.
func ReadAssignments(ctx context.Context, r io.Reader) ([]model.Assignment, error) {
	cr := newReader(r)
	type group struct{ tech, date string }
	index := map[group]int{}
	var out []model.Assignment
	row := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		if row == 1 && isHeader(rec[0], "technician_id") {
			continue
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("row %d: expected at least 5 columns, got %d", row, len(rec))
		}
		tech, date := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		if tech == "" {
			return nil, fmt.Errorf("row %d: missing technician_id", row)
		}
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return nil, fmt.Errorf("row %d: plan_date %q is not YYYY-MM-DD", row, date)
		}
		stop, err := parseStop(rec[2:])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		g := group{tech, date}
		i, ok := index[g]
		if !ok {
			i = len(out)
			index[g] = i
			out = append(out, model.Assignment{TechnicianID: tech, PlanDate: date})
		}
		out[i].Stops = append(out[i].Stops, stop)
	}
	return out, nil
}

// ReadStops parses an id,lat,lng[,label] list in file order.
func ReadStops(r io.Reader) ([]model.Stop, error) {
	cr := newReader(r)
	var out []model.Stop
	row := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		if row == 1 && (isHeader(rec[0], "id") || isHeader(rec[0], "stop_id")) {
			continue
		}
		s, err := parseStop(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	return cr
}

func isHeader(first, name string) bool {
	return strings.EqualFold(strings.TrimSpace(first), name)
}

// parseStop reads id,lat,lng[,label].
func parseStop(rec []string) (model.Stop, error) {
	if len(rec) < 3 {
		return model.Stop{}, fmt.Errorf("expected id,lat,lng[,label], got %d columns", len(rec))
	}
	id := strings.TrimSpace(rec[0])
	lat, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
	if err != nil {
		return model.Stop{}, &model.InvalidStopError{Index: -1, StopID: id, Reason: "latitude is not a number"}
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
	if err != nil {
		return model.Stop{}, &model.InvalidStopError{Index: -1, StopID: id, Reason: "longitude is not a number"}
	}
	label := ""
	if len(rec) > 3 {
		label = strings.TrimSpace(rec[3])
	}
	return model.NewStop(id, lat, lng, label)
}
