// Package vizier fetches reference catalog cones from a VizieR ASU service in
// tab-separated form.
package vizier

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reticulum/internal/catalog"
)

const DefaultBaseURL = "https://vizier.cds.unistra.fr/viz-bin/asu-tsv"

// DefaultSources maps catalog identifiers to VizieR table names.
var DefaultSources = map[string]string{
	"gaiadr3syn": "I/360/syntphot",
	"ps1":        "II/349/ps1",
	"skymapper":  "II/379/smssdr4",
	"sdss":       "V/154/sdss16",
	"atlas":      "J/ApJ/867/105/refcat2",
	"gaiaedr3":   "I/350/gaiaedr3",
}

var (
	// ErrUnknownCatalog is returned for identifiers with no VizieR source.
	ErrUnknownCatalog = errors.New("no vizier source for catalog")
	// ErrService is returned when the reply carries a VizieR error banner.
	// VizieR reports these as comment lines with status 200.
	ErrService = errors.New("vizier service error")
)

// Client queries VizieR. The zero value is not usable; call New.
type Client struct {
	BaseURL string
	Sources map[string]string
	MaxRows int
	HTTP    *http.Client
	log     *slog.Logger
}

// New builds a client with default sources. Empty baseURL selects
// DefaultBaseURL.
func New(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	sources := make(map[string]string, len(DefaultSources))
	for k, v := range DefaultSources {
		sources[k] = v
	}
	return &Client{
		BaseURL: baseURL,
		Sources: sources,
		MaxRows: 50000,
		HTTP:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Fetch implements catalog.Fetcher.
func (c *Client) Fetch(ctx context.Context, req catalog.Request) (*catalog.Table, error) {
	source, ok := c.Sources[req.Catalog]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCatalog, req.Catalog)
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse vizier url: %w", err)
	}
	q := url.Values{}
	q.Set("-source", source)
	q.Set("-c", fmt.Sprintf("%s %s", fmtDeg(req.RA), signedDeg(req.Dec)))
	q.Set("-c.rd", fmtDeg(req.Radius))
	q.Set("-oc.form", "dec")
	q.Set("-out.all", "")
	q.Set("-out.add", "_RAJ,_DEJ")
	q.Set("-out.max", strconv.Itoa(c.MaxRows))
	for _, con := range req.Constraints {
		q.Set(con.Column, con.Expr)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vizier request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vizier returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	t, err := ParseTSV(req.Catalog, resp.Body)
	if err != nil {
		return nil, err
	}
	c.log.Debug("vizier query", "catalog", req.Catalog, "source", source, "rows", t.Len(), "duration", time.Since(start))
	return t, nil
}

func fmtDeg(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func signedDeg(v float64) string {
	s := fmtDeg(v)
	if v >= 0 {
		s = "+" + s
	}
	return s
}

// columnAliases renames the computed position columns.
var columnAliases = map[string]string{
	"_RAJ2000": "ra",
	"_DEJ2000": "dec",
}

// ParseTSV decodes an ASU-TSV document. Non-numeric and empty cells become NaN.
func ParseTSV(catalogName string, r io.Reader) (*catalog.Table, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read vizier tsv: %w", err)
	}
	if msg := serviceError(body); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrService, msg)
	}

	cr := csv.NewReader(bytes.NewReader(body))
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		t        *catalog.Table
		names    []string
		inHeader bool
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse vizier tsv: %w", err)
		}
		switch {
		case t == nil:
			names = make([]string, len(rec))
			for i, n := range rec {
				n = strings.TrimSpace(n)
				if alias, ok := columnAliases[n]; ok {
					n = alias
				}
				names[i] = n
			}
			t = catalog.NewTable(catalogName, names...)
			inHeader = true
			continue
		case inHeader:
			// Units line followed by the dashed separator.
			if len(rec) > 0 && strings.HasPrefix(strings.TrimSpace(rec[0]), "-") {
				inHeader = false
			}
			continue
		}

		row := make(map[string]float64, len(names))
		for i, n := range names {
			v := math.NaN()
			if i < len(rec) {
				if f, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64); err == nil {
					v = f
				}
			}
			row[n] = v
		}
		t.Append(row)
	}
	if t == nil {
		return catalog.NewTable(catalogName), nil
	}
	return t, nil
}

// serviceError returns the text of the first error banner in body: a comment
// line starting with "#++++" or "#***".
func serviceError(body []byte) string {
	for line := range bytes.Lines(body) {
		if !bytes.HasPrefix(line, []byte("#++++")) && !bytes.HasPrefix(line, []byte("#***")) {
			continue
		}
		msg := strings.Trim(string(bytes.TrimSpace(line)), "#+* ")
		if msg == "" {
			msg = "unspecified error"
		}
		return msg
	}
	return ""
}
