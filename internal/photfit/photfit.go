// Package photfit drives the external photometric fit that matches frame
// sources against catalog stars and derives the zero point, spatial and color
// terms. The fit itself runs in a separate tool that speaks JSON over
// stdin/stdout.
package photfit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"reticulum/internal/frame"
)

// ErrToolUnavailable is returned when the fit tool cannot be found or run.
var ErrToolUnavailable = errors.New("photometric fit tool unavailable")

// Request is the fit input.
type Request struct {
	Objects map[string][]frame.Float `json:"objects"` // ra, dec, mag, magerr, flags
	Catalog map[string][]frame.Float `json:"catalog"`

	MatchRadius     float64 `json:"sr"` // degrees
	CatColMag       string  `json:"cat_col_mag"`
	CatColMagErr    string  `json:"cat_col_mag_err,omitempty"`
	CatColMag1      string  `json:"cat_col_mag1"`
	CatColMag2      string  `json:"cat_col_mag2"`
	Order           int     `json:"order"`
	ColorOrder      int     `json:"use_color"`
	Threshold       float64 `json:"threshold"`
	MaxIntrinsicRMS float64 `json:"max_intrinsic_rms"`
	Nonlin          bool    `json:"nonlin"`
}

// Stats summarizes fit residuals.
type Stats struct {
	Matched int     `json:"matched"`
	Used    int     `json:"used"`
	RMS     float64 `json:"rms"`
}

// Response is the fit output. ColorTerm holds the linear and, when fitted,
// the quadratic color coefficient; it is empty when no color term was fitted.
type Response struct {
	MagCalib    []frame.Float `json:"mag_calib"`
	MagCalibErr []frame.Float `json:"mag_calib_err"`
	ColorTerm   []float64     `json:"color_term"`
	CatColMag   string        `json:"cat_col_mag"`
	CatColMag1  string        `json:"cat_col_mag1,omitempty"`
	CatColMag2  string        `json:"cat_col_mag2,omitempty"`
	Stats       Stats         `json:"stats"`
}

// ColorTerms returns (c1, c2), zero for missing terms.
func (r *Response) ColorTerms() (c1, c2 float64) {
	if len(r.ColorTerm) > 0 {
		c1 = r.ColorTerm[0]
	}
	if len(r.ColorTerm) > 1 {
		c2 = r.ColorTerm[1]
	}
	return c1, c2
}

// Fitter runs a photometric fit.
type Fitter interface {
	Fit(ctx context.Context, req Request) (*Response, error)
}

// FitterFunc adapts a function to Fitter.
type FitterFunc func(ctx context.Context, req Request) (*Response, error)

// Fit calls f.
func (f FitterFunc) Fit(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// ToolFitter runs the fit in an external executable.
type ToolFitter struct {
	Command string
	Args    []string
	Timeout time.Duration
	log     *slog.Logger
}

// NewToolFitter builds a fitter around command.
func NewToolFitter(command string, args []string, timeout time.Duration, log *slog.Logger) *ToolFitter {
	if log == nil {
		log = slog.Default()
	}
	return &ToolFitter{Command: command, Args: args, Timeout: timeout, log: log}
}

// Fit implements Fitter.
func (t *ToolFitter) Fit(ctx context.Context, req Request) (*Response, error) {
	path, err := exec.LookPath(t.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrToolUnavailable, t.Command, err)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode fit request: %w", err)
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, t.Args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("fit tool %s failed: %w: %s", t.Command, err, strings.TrimSpace(stderr.String()))
	}
	t.log.Debug("fit tool finished", "tool", t.Command, "duration", time.Since(start), "stderr_bytes", stderr.Len())

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode fit response: %w", err)
	}
	if err := resp.validate(len(req.Objects["ra"])); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *Response) validate(n int) error {
	if len(r.MagCalib) != n || len(r.MagCalibErr) != n {
		return fmt.Errorf("fit response has %d/%d calibrated values for %d sources", len(r.MagCalib), len(r.MagCalibErr), n)
	}
	if len(r.ColorTerm) > 2 {
		return fmt.Errorf("fit response has %d color terms, want at most 2", len(r.ColorTerm))
	}
	return nil
}

// ToolStatus represents the availability of the fit tool.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies that the fit tool exists and answers --version.
func (t *ToolFitter) CheckTool(ctx context.Context) ToolStatus {
	path, err := exec.LookPath(t.Command)
	if err != nil {
		return ToolStatus{Available: false, Error: fmt.Errorf("%w: %v", ErrToolUnavailable, err)}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		// Some tools exit non-zero for --version but still print something useful
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
