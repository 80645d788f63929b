// Package colorfit reconciles calibrated magnitudes measured through several
// filters by solving for the single color index that makes every filter's
// color-corrected light curve as flat as possible.
package colorfit

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/optimize"
)

// InitialGuess is the starting color index of the search.
const InitialGuess = 1.0

var (
	ErrInvalidInput   = errors.New("invalid color reconciliation input")
	ErrNonConvergence = errors.New("color index solver did not converge")
)

// Observation is one calibrated magnitude with its color-term coefficients.
type Observation struct {
	Mag    float64 `json:"mag"`
	MagErr float64 `json:"magerr"`
	Filter string  `json:"filter"`
	C1     float64 `json:"color_term"`
	C2     float64 `json:"color_term2"`
}

// Corrected returns the magnitude transformed to color index bv.
func (o Observation) Corrected(bv float64) float64 {
	return o.Mag + o.C1*bv + o.C2*bv*bv
}

// NonConvergenceError carries the last iterate of a failed solve.
type NonConvergenceError struct {
	Status optimize.Status
	Last   float64
}

func (e *NonConvergenceError) Error() string {
	return fmt.Sprintf("%v: status %v, last bv %g", ErrNonConvergence, e.Status, e.Last)
}

func (e *NonConvergenceError) Unwrap() error { return ErrNonConvergence }

// Settings tune the minimizer. The zero value selects the defaults.
type Settings struct {
	Tolerance     float64
	MaxIterations int
}

func (s Settings) withDefaults() Settings {
	if s.Tolerance <= 0 {
		s.Tolerance = 1e-12
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = 1000
	}
	return s
}

// group holds the finite observations of one filter.
type group struct {
	mag, c1, c2, w []float64
}

// groups partitions finite observations by filter. Observations are sorted
// first so that the floating point evaluation order, and with it the solver
// path, does not depend on input order.
func groups(obs []Observation) ([]group, error) {
	finite := make([]Observation, 0, len(obs))
	for i, o := range obs {
		if math.IsNaN(o.Mag) || math.IsInf(o.Mag, 0) {
			continue
		}
		if !(o.MagErr > 0) || math.IsInf(o.MagErr, 0) {
			return nil, fmt.Errorf("%w: observation %d has magerr %v", ErrInvalidInput, i, o.MagErr)
		}
		if math.IsNaN(o.C1) || math.IsNaN(o.C2) || math.IsInf(o.C1, 0) || math.IsInf(o.C2, 0) {
			return nil, fmt.Errorf("%w: observation %d has non-finite color terms", ErrInvalidInput, i)
		}
		finite = append(finite, o)
	}
	slices.SortFunc(finite, compareObservations)

	var out []group
	for start := 0; start < len(finite); {
		end := start + 1
		for end < len(finite) && finite[end].Filter == finite[start].Filter {
			end++
		}
		if end-start >= 2 {
			var g group
			for _, o := range finite[start:end] {
				g.mag = append(g.mag, o.Mag)
				g.c1 = append(g.c1, o.C1)
				g.c2 = append(g.c2, o.C2)
				g.w = append(g.w, 1/(o.MagErr*o.MagErr))
			}
			out = append(out, g)
		}
		start = end
	}
	return out, nil
}

func compareObservations(a, b Observation) int {
	if c := strings.Compare(a.Filter, b.Filter); c != 0 {
		return c
	}
	for _, p := range [][2]float64{{a.Mag, b.Mag}, {a.MagErr, b.MagErr}, {a.C1, b.C1}, {a.C2, b.C2}} {
		if c := cmp.Compare(p[0], p[1]); c != 0 {
			return c
		}
	}
	return 0
}

// Objective evaluates the weighted intra-filter scatter of the corrected
// magnitudes at color index bv.
func Objective(obs []Observation, bv float64) (float64, error) {
	gs, err := groups(obs)
	if err != nil {
		return 0, err
	}
	return objective(gs, bv), nil
}

func objective(gs []group, bv float64) float64 {
	var total float64
	corr := make([]float64, 0, 16)
	for _, g := range gs {
		corr = corr[:0]
		var mean float64
		for i := range g.mag {
			v := g.mag[i] + g.c1[i]*bv + g.c2[i]*bv*bv
			corr = append(corr, v)
			mean += v
		}
		mean /= float64(len(corr))
		for i, v := range corr {
			d := v - mean
			total += d * d * g.w[i]
		}
	}
	return total
}

// Result is a solved color index with solver diagnostics.
type Result struct {
	BV          float64         `json:"bv"`
	Objective   float64         `json:"objective"`
	Evaluations int             `json:"evaluations"`
	Status      optimize.Status `json:"-"`
}

// SolveColorIndex returns the color index minimizing Objective, starting from
// InitialGuess. Input order does not affect the result.
func SolveColorIndex(obs []Observation) (float64, error) {
	res, err := Solve(obs, Settings{})
	return res.BV, err
}

// Solve is SolveColorIndex with explicit settings and diagnostics.
func Solve(obs []Observation, s Settings) (Result, error) {
	s = s.withDefaults()
	gs, err := groups(obs)
	if err != nil {
		return Result{BV: math.NaN()}, err
	}
	if len(gs) == 0 {
		return Result{BV: InitialGuess, Status: optimize.Success}, nil
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return math.Sqrt(objective(gs, x[0]))
		},
	}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   s.Tolerance,
			Iterations: 20,
		},
		MajorIterations: s.MaxIterations,
	}

	result, err := optimize.Minimize(problem, []float64{InitialGuess}, settings, &optimize.NelderMead{})
	if result == nil {
		return Result{BV: math.NaN()}, &NonConvergenceError{Status: optimize.Failure, Last: math.NaN()}
	}
	out := Result{
		BV:          result.X[0],
		Objective:   result.F * result.F,
		Evaluations: result.FuncEvaluations,
		Status:      result.Status,
	}
	if err != nil || !converged(result.Status) {
		return out, &NonConvergenceError{Status: result.Status, Last: out.BV}
	}
	return out, nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionConvergence, optimize.MethodConverge,
		optimize.StepConvergence, optimize.FunctionThreshold, optimize.GradientThreshold:
		return true
	}
	return false
}

// Correct applies the color correction for bv to every observation.
func Correct(obs []Observation, bv float64) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Corrected(bv)
	}
	return out
}
