package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fieldroute/internal/app"
	"fieldroute/internal/config"
	"fieldroute/internal/integrations/csvimport"
	"fieldroute/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "none.yaml")))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestSequenceCommandFormats(t *testing.T) {
	files := map[string]string{
		"stops.json": `[{"id":"A","location":{"lat":0,"lng":0}},{"id":"C","location":{"lat":10,"lng":10}},{"id":"B","location":{"lat":1,"lng":0}}]`,
		"doc.json":   `{"stops":[{"id":"A","location":{"lat":0,"lng":0}},{"id":"C","location":{"lat":10,"lng":10}},{"id":"B","location":{"lat":1,"lng":0}}]}`,
		"stops.yaml": "- id: A\n  location: {lat: 0, lng: 0}\n- id: C\n  location: {lat: 10, lng: 10}\n- id: B\n  location: {lat: 1, lng: 0}\n",
		"stops.csv":  "id,lat,lng,label\nA,0,0,depot\nC,10,10,\nB,1,0,\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, "sequence", "--file", writeFile(t, name, body), "--output", "json")
			require.NoError(t, err, out)
			var r model.Route
			require.NoError(t, json.Unmarshal([]byte(out), &r))
			got := []string{}
			for _, s := range r.Stops {
				got = append(got, s.ID)
			}
			assert.Equal(t, []string{"A", "B", "C"}, got)
		})
	}
}

func TestSequenceCommandTable(t *testing.T) {
	out, err := execute(t, "sequence", "-f", writeFile(t, "s.csv", "A,0,0\nB,3,4\n"), "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "planar distance: 5.0000")
}

func TestSequenceCommandErrors(t *testing.T) {
	_, err := execute(t, "sequence", "-f", writeFile(t, "s.json", `[]`), "-o", "json")
	assert.Error(t, err)

	_, err = execute(t, "sequence", "-f", writeFile(t, "s.json", `[{"id":"A","location":{"lat":0}}]`), "-o", "json")
	var ise *model.InvalidStopError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 0, ise.Index)

	_, err = execute(t, "sequence", "-f", writeFile(t, "s.txt", "A,0,0"), "-o", "json")
	assert.ErrorContains(t, err, "unsupported")
}

func TestImportThenPlan(t *testing.T) {
	ctx := context.Background()
	d, err := app.Build(ctx, config.Default(), zap.NewNop())
	require.NoError(t, err)
	defer d.Close()

	path := writeFile(t, "a.csv", "technician_id,plan_date,stop_id,lat,lng\ntech-1,2026-10-19,A,0,0\ntech-1,2026-10-19,C,10,10\ntech-1,2026-10-19,B,1,0\n")
	importTenant = "t1"
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, importFrom(ctx, cmd, d, csvimport.Source{Path: path}, zap.NewNop()))
	assert.True(t, strings.HasPrefix(out.String(), "imported 3 stops for 1 technician-days"))

	routes, err := d.Planner.PlanBatch(ctx, "t1", "2026-10-19", nil)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "B", routes[0].Stops[1].ID)
}

func TestPlanCommandValidatesDate(t *testing.T) {
	_, err := execute(t, "plan", "--tenant", "t1", "--plan-date", "soon")
	assert.ErrorContains(t, err, "YYYY-MM-DD")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "routectl dev")
}
