package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"reticulum/internal/colorfit"
	"reticulum/internal/lightcurve"
	"reticulum/internal/pipeline"
	"reticulum/internal/skygrid"

	"github.com/gorilla/mux"
)

var errUnavailable = errors.New("not configured on this server")

// JobEvent is the wire form of a finished job on /stream and /ws.
type JobEvent struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Input  string         `json:"input"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
	Time   time.Time      `json:"time"`
}

func eventFromResult(res pipeline.Result) JobEvent {
	ev := JobEvent{
		ID:     res.Job.ID,
		Type:   string(res.Job.Type),
		Input:  res.Job.InputPath,
		Status: res.Status,
		Meta:   res.Meta,
		Time:   time.Now().UTC(),
	}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

type submitRequest struct {
	Type    pipeline.JobType `json:"type"`
	Input   string           `json:"input"`
	Options map[string]any   `json:"options"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	switch req.Type {
	case pipeline.JobCalibrate, pipeline.JobLightcurve:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown job type %q", req.Type))
		return
	}
	if req.Type == pipeline.JobCalibrate && req.Input == "" {
		writeError(w, http.StatusBadRequest, errors.New("calibrate jobs need an input frame"))
		return
	}

	job := pipeline.NewJob(req.Type, req.Input, req.Options)
	if err := s.pipeline.Submit(job); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	meta, err := s.store.JobMeta(id)
	if err != nil {
		meta = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": rec, "meta": meta})
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	recs, err := s.store.Frames(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleLightcurve(w http.ResponseWriter, r *http.Request) {
	if s.curves == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	values := r.URL.Query()
	if values.Get("ra") == "" || values.Get("dec") == "" {
		writeError(w, http.StatusBadRequest, errors.New("ra and dec are required"))
		return
	}

	q := lightcurve.Query{Name: values.Get("name"), Filter: values.Get("filter")}
	var err error
	for _, p := range []struct {
		name string
		dst  *float64
		def  float64
	}{
		{"ra", &q.RA, 0},
		{"dec", &q.Dec, 0},
		{"sr", &q.Radius, s.radius},
		{"magerr", &q.MaxMagErr, 0},
	} {
		if *p.dst, err = queryFloat(r, p.name, p.def); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	curve, err := s.curves.Build(r.Context(), q)
	switch {
	case errors.Is(err, lightcurve.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, colorfit.ErrNonConvergence), errors.Is(err, colorfit.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if values.Get("format") == "mjd" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=lc_mjd_%v_%v_%v.txt", q.RA, q.Dec, q.Radius))
		if err := curve.WriteMJD(w); err != nil {
			s.log.Warn("failed to write light curve", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, curve)
}

func (s *Server) handleQuantize(w http.ResponseWriter, r *http.Request) {
	var ra, dec, radius float64
	var err error
	for _, p := range []struct {
		name string
		dst  *float64
	}{{"ra", &ra}, {"dec", &dec}, {"radius", &radius}} {
		if r.URL.Query().Get(p.name) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%s is required", p.name))
			return
		}
		if *p.dst, err = queryFloat(r, p.name, 0); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	var nside int64
	if raw := r.URL.Query().Get("nside"); raw != "" {
		if nside, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid nside %q", raw))
			return
		}
	}

	q, err := skygrid.Quantize(ra, dec, radius, nside)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "key": q.Key()})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(eventFromResult(res))
			if err != nil {
				s.log.Warn("failed to encode job event", "job", res.Job.ID, "error", err)
				continue
			}
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
