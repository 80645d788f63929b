package photfit

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reticulum/internal/frame"
)

// writeTool creates an executable script that copies its stdin to inPath and
// prints the contents of outPath.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fit-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func sampleRequest() Request {
	return Request{
		Objects: map[string][]frame.Float{
			"ra":     {1, 2},
			"dec":    {3, 4},
			"mag":    {-10, frame.Float(math.NaN())},
			"magerr": {0.01, 0.02},
		},
		Catalog:     map[string][]frame.Float{"ra": {1}, "dec": {3}, "rmag": {12}},
		MatchRadius: 2.0 / 3600,
		CatColMag:   "rmag",
		CatColMag1:  "Bmag",
		CatColMag2:  "Vmag",
		Order:       2,
		ColorOrder:  2,
		Nonlin:      true,
	}
}

func TestToolFitterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "request.json")
	outPath := filepath.Join(dir, "response.json")

	resp := `{"mag_calib": [12.1, null], "mag_calib_err": [0.02, null], "color_term": [0.11, -0.03],
	          "cat_col_mag": "rmag", "cat_col_mag1": "Bmag", "cat_col_mag2": "Vmag",
	          "stats": {"matched": 1, "used": 1, "rms": 0.015}}`
	require.NoError(t, os.WriteFile(outPath, []byte(resp), 0o644))

	tool := writeTool(t, "cat > "+inPath+"\ncat "+outPath)
	f := NewToolFitter(tool, nil, 0, nil)

	got, err := f.Fit(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, frame.Float(12.1), got.MagCalib[0])
	assert.True(t, math.IsNaN(float64(got.MagCalib[1])))
	c1, c2 := got.ColorTerms()
	assert.Equal(t, 0.11, c1)
	assert.Equal(t, -0.03, c2)
	assert.Equal(t, 1, got.Stats.Matched)

	raw, err := os.ReadFile(inPath)
	require.NoError(t, err)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "rmag", sent["cat_col_mag"])
	assert.Equal(t, float64(2), sent["use_color"])
	assert.Equal(t, true, sent["nonlin"])
	objects := sent["objects"].(map[string]any)
	assert.Nil(t, objects["mag"].([]any)[1])
}

func TestToolFitterRejectsShortResponse(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "response.json")
	require.NoError(t, os.WriteFile(outPath, []byte(`{"mag_calib": [1], "mag_calib_err": [1]}`), 0o644))

	f := NewToolFitter(writeTool(t, "cat > /dev/null\ncat "+outPath), nil, 0, nil)
	_, err := f.Fit(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "for 2 sources")
}

func TestToolFitterReportsStderr(t *testing.T) {
	f := NewToolFitter(writeTool(t, "cat > /dev/null\necho 'not enough matches' >&2\nexit 3"), nil, 0, nil)
	_, err := f.Fit(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough matches")
}

func TestToolUnavailable(t *testing.T) {
	f := NewToolFitter("reticulum-no-such-fit-tool", nil, 0, nil)
	_, err := f.Fit(context.Background(), sampleRequest())
	assert.True(t, errors.Is(err, ErrToolUnavailable))

	st := f.CheckTool(context.Background())
	assert.False(t, st.Available)
	assert.ErrorIs(t, st.Error, ErrToolUnavailable)
}

func TestCheckToolVersion(t *testing.T) {
	f := NewToolFitter(writeTool(t, "echo 'fit-tool version 1.4.2'"), nil, 0, nil)
	st := f.CheckTool(context.Background())
	assert.True(t, st.Available)
	assert.Equal(t, "fit-tool version 1.4.2", st.Version)
}

func TestColorTermsMissing(t *testing.T) {
	var r Response
	c1, c2 := r.ColorTerms()
	assert.Zero(t, c1)
	assert.Zero(t, c2)
}
