package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"fieldroute/internal/config"
	"fieldroute/internal/dispatch"
	"fieldroute/internal/integrations/csvimport"
	"fieldroute/internal/model"
)

var (
	stopsFile    string
	outputFormat string
)

// sequenceCmd orders a stop list without touching any store
var sequenceCmd = &cobra.Command{
	Use:   "sequence",
	Short: "Print the visiting order for a stop list",
	Long: `Read stops from a JSON, YAML or CSV file and print them in greedy
nearest-neighbor order starting from the first stop in the file.

JSON and YAML files hold a list of {id, location: {lat, lng}, label}
(or an object with a "stops" list). CSV files hold id,lat,lng[,label].`,
	RunE: runSequence,
}

func init() {
	sequenceCmd.Flags().StringVarP(&stopsFile, "file", "f", "", "Stops file (.json, .yaml, .yml, .csv)")
	sequenceCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table or json")
	_ = sequenceCmd.MarkFlagRequired("file")
}

func runSequence(cmd *cobra.Command, args []string) error {
	stops, err := readStopsFile(stopsFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	p := dispatch.NewPlanner(nil, nil, nil, cfg.Planner, zap.NewNop())
	route, err := p.Sequence(cmd.Context(), stops)
	if err != nil {
		return err
	}
	return printRoute(cmd.OutOrStdout(), route, outputFormat)
}

type stopsDoc struct {
	Stops []model.StopIn `json:"stops" yaml:"stops"`
}

func readStopsFile(path string) ([]model.Stop, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return csvimport.ReadStops(f)
	case ".json", ".yaml", ".yml":
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		var in []model.StopIn
		if ext == ".json" {
			err = decodeStops(data, json.Unmarshal, &in)
		} else {
			err = decodeStops(data, yaml.Unmarshal, &in)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return model.StopsFromInput(in)
	default:
		return nil, fmt.Errorf("unsupported stops file extension %q", ext)
	}
}

// decodeStops accepts either a bare list or {stops: [...]}.
func decodeStops(data []byte, unmarshal func([]byte, any) error, out *[]model.StopIn) error {
	if err := unmarshal(data, out); err == nil {
		return nil
	}
	var doc stopsDoc
	if err := unmarshal(data, &doc); err != nil {
		return err
	}
	*out = doc.Stops
	return nil
}

func printRoute(w io.Writer, r model.Route, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTOP\tLAT\tLNG\tLEG\tLABEL")
	for i, s := range r.Stops {
		leg := "-"
		if i > 0 {
			leg = fmt.Sprintf("%.4f", r.Legs[i-1].PlanarDistance)
		}
		fmt.Fprintf(tw, "%d\t%s\t%.6f\t%.6f\t%s\t%s\n", i+1, s.ID, s.Coord.Lat, s.Coord.Lng, leg, s.Label)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nstops: %d  planar distance: %.4f  est. %.1f km / %d min\n",
		len(r.Stops), r.PlanarDistance, float64(r.DistM)/1000, r.DriveSec/60)
	return err
}
