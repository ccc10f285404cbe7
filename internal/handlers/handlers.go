// Package handlers provides the HTTP API: job submission and tracking,
// the manual-solve task endpoints, session inspection, and health.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/assets"
	"github.com/titanfetch/titan/internal/captchaq"
	"github.com/titanfetch/titan/internal/clearance"
	"github.com/titanfetch/titan/internal/jobs"
	"github.com/titanfetch/titan/internal/metrics"
	"github.com/titanfetch/titan/internal/proxy"
	"github.com/titanfetch/titan/internal/security"
	"github.com/titanfetch/titan/internal/types"
	"github.com/titanfetch/titan/pkg/version"
)

// maxRequestBody bounds API request bodies.
const maxRequestBody = 1 << 20

// Handler serves the HTTP API.
type Handler struct {
	jobs     *jobs.Registry
	queue    *captchaq.Queue
	sessions clearance.Store
	rotator  *proxy.Rotator
	rec      *metrics.Recorder
	started  time.Time
}

// New creates a Handler over the engine components.
func New(registry *jobs.Registry, queue *captchaq.Queue, sessions clearance.Store, rotator *proxy.Rotator, rec *metrics.Recorder) *Handler {
	return &Handler{
		jobs:     registry,
		queue:    queue,
		sessions: sessions,
		rotator:  rotator,
		rec:      rec,
		started:  time.Now(),
	}
}

// errorBody is the error envelope shared with the middleware layer.
type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Version string `json:"version"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{
		Status:  "error",
		Message: message,
		Version: version.Full(),
	})
}

// decodeBody decodes a bounded JSON body into dst. Unknown fields are
// rejected so typos in client payloads fail loudly.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// scrapeRequest is the submission payload for POST /v1/scrape.
type scrapeRequest struct {
	URL              string            `json:"url"`
	Headers          map[string]string `json:"headers,omitempty"`
	Cookies          []types.Cookie    `json:"cookies,omitempty"`
	ForcedTier       int               `json:"forcedTier,omitempty"`
	TimeoutSeconds   int               `json:"timeoutSeconds,omitempty"`
	WaitSelector     string            `json:"waitSelector,omitempty"`
	WaitDelaySeconds int               `json:"waitDelaySeconds,omitempty"`
	BlockImages      bool              `json:"blockImages,omitempty"`
	ProxyURL         string            `json:"proxyUrl,omitempty"`
}

func (s *scrapeRequest) toRequest() *types.Request {
	return &types.Request{
		URL:          s.URL,
		Headers:      s.Headers,
		Cookies:      s.Cookies,
		ForcedTier:   types.Tier(s.ForcedTier),
		Timeout:      time.Duration(s.TimeoutSeconds) * time.Second,
		WaitSelector: s.WaitSelector,
		WaitDelay:    time.Duration(s.WaitDelaySeconds) * time.Second,
		BlockImages:  s.BlockImages,
		ProxyURL:     s.ProxyURL,
	}
}

// handleScrape accepts a scrape job. 201 with the job ID on success,
// 422 when the request fails validation.
func (h *Handler) handleScrape(w http.ResponseWriter, r *http.Request) {
	var body scrapeRequest
	if !decodeBody(w, r, &body) {
		return
	}

	req := body.toRequest()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := security.ValidateTargetURL(req.URL); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.ProxyURL != "" {
		if err := security.ValidateProxyURL(req.ProxyURL, false); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	job, err := h.jobs.Submit(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Job registry at capacity")
		return
	}

	log.Info().Str("job_id", job.ID).Str("url", security.RedactURL(req.URL)).Msg("Job accepted")
	writeJSON(w, http.StatusCreated, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

// maxBatchURLs bounds one batch submission.
const maxBatchURLs = 100

// batchScrapeRequest is the submission payload for POST /v1/scrape/batch.
// Options apply uniformly to every URL in the batch.
type batchScrapeRequest struct {
	URLs           []string          `json:"urls"`
	MaxConcurrency int               `json:"maxConcurrency,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	ForcedTier     int               `json:"forcedTier,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	ProxyURL       string            `json:"proxyUrl,omitempty"`
}

// handleBatchScrape accepts a batch of URLs to run under one swarm.
// 201 with the batch ID on success, 422 when any URL fails validation.
func (h *Handler) handleBatchScrape(w http.ResponseWriter, r *http.Request) {
	var body batchScrapeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.URLs) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "At least one URL is required")
		return
	}
	if len(body.URLs) > maxBatchURLs {
		writeError(w, http.StatusUnprocessableEntity, "Batch exceeds the maximum of "+strconv.Itoa(maxBatchURLs)+" URLs")
		return
	}
	if body.ProxyURL != "" {
		if err := security.ValidateProxyURL(body.ProxyURL, false); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	reqs := make([]*types.Request, len(body.URLs))
	for i, u := range body.URLs {
		req := &types.Request{
			URL:        u,
			Headers:    body.Headers,
			ForcedTier: types.Tier(body.ForcedTier),
			Timeout:    time.Duration(body.TimeoutSeconds) * time.Second,
			ProxyURL:   body.ProxyURL,
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if err := security.ValidateTargetURL(u); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		reqs[i] = req
	}

	batch, err := h.jobs.SubmitBatch(reqs, body.MaxConcurrency)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Job registry at capacity")
		return
	}

	log.Info().Str("batch_id", batch.ID).Int("urls", batch.Total).Msg("Batch accepted")
	writeJSON(w, http.StatusCreated, map[string]any{
		"batch_id": batch.ID,
		"status":   string(batch.Status),
		"total":    batch.Total,
	})
}

// batchResponse is the batch snapshot plus per-URL solutions once the
// run finishes, index-aligned with the submitted URLs.
type batchResponse struct {
	jobs.Batch
	Results []*solution `json:"results,omitempty"`
}

func toBatchResponse(b jobs.Batch) batchResponse {
	resp := batchResponse{Batch: b}
	if len(b.Outcomes) == 0 {
		return resp
	}
	resp.Results = make([]*solution, len(b.Outcomes))
	for i, o := range b.Outcomes {
		if o == nil {
			continue
		}
		sol := &solution{
			Status:      o.Status,
			FinalURL:    o.FinalURL,
			Body:        string(o.Body),
			ContentType: o.ContentType,
			Headers:     o.RespHeaders,
			Cookies:     o.Cookies,
			UserAgent:   o.UserAgent,
			Tier:        o.Tier.String(),
			Challenge:   string(o.Challenge),
			ErrorKind:   string(o.ErrorKind),
			Message:     o.Message,
		}
		if sol.Challenge == string(types.ChallengeNone) {
			sol.Challenge = ""
		}
		resp.Results[i] = sol
	}
	return resp
}

// handleBatchGet returns the batch snapshot.
func (h *Handler) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	batch, err := h.jobs.GetBatch(r.PathValue("id"))
	if errors.Is(err, types.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Batch not found")
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(batch))
}

// handleBatchCancel cancels a live batch. 409 when already terminal.
func (h *Handler) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.jobs.CancelBatch(id)
	switch {
	case errors.Is(err, types.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Batch not found")
	case errors.Is(err, types.ErrJobTerminal):
		writeError(w, http.StatusConflict, "Batch already in a terminal state")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"batch_id": id, "status": "cancelling"})
	}
}

// solution is the acquired document attached to a finished job.
type solution struct {
	Status      int               `json:"status"`
	FinalURL    string            `json:"finalUrl,omitempty"`
	Body        string            `json:"body,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Cookies     []types.Cookie    `json:"cookies,omitempty"`
	UserAgent   string            `json:"userAgent,omitempty"`
	Tier        string            `json:"tier"`
	Challenge   string            `json:"challenge,omitempty"`
	ErrorKind   string            `json:"errorKind,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// jobResponse is the job snapshot plus the solution once one exists.
type jobResponse struct {
	jobs.Job
	Solution *solution `json:"solution,omitempty"`
}

func toJobResponse(j jobs.Job) jobResponse {
	resp := jobResponse{Job: j}
	if j.Result != nil && j.Result.Outcome != nil {
		o := j.Result.Outcome
		sol := &solution{
			Status:      o.Status,
			FinalURL:    o.FinalURL,
			Body:        string(o.Body),
			ContentType: o.ContentType,
			Headers:     o.RespHeaders,
			Cookies:     o.Cookies,
			UserAgent:   o.UserAgent,
			Tier:        o.Tier.String(),
			Challenge:   string(o.Challenge),
			ErrorKind:   string(o.ErrorKind),
			Message:     o.Message,
		}
		if sol.Challenge == string(types.ChallengeNone) {
			sol.Challenge = ""
		}
		resp.Solution = sol
	}
	return resp
}

// handleJobGet returns the job snapshot.
func (h *Handler) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.PathValue("id"))
	if errors.Is(err, types.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleJobCancel cancels a live job. 409 when already terminal.
func (h *Handler) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.jobs.Cancel(id)
	switch {
	case errors.Is(err, types.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, types.ErrJobTerminal):
		writeError(w, http.StatusConflict, "Job already in a terminal state")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "cancelling"})
	}
}

// handleSessionGet returns the stored clearance for a domain.
func (h *Handler) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	s, err := h.sessions.Get(r.Context(), domain)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Session store unreachable")
		return
	}
	if s == nil || !s.Valid(time.Now()) {
		writeError(w, http.StatusNotFound, "No valid session for domain")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// handleSessionDelete drops the stored clearance for a domain.
func (h *Handler) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	if err := h.sessions.Delete(r.Context(), domain); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Session store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "status": "deleted"})
}

// handleStats exposes the in-process counters snapshot.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rec.Snapshot())
}

// handleIndex serves the embedded status page.
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Version   string
		GoVersion string
		Uptime    string
	}{
		Version:   assets.SanitizeVersion(version.Full()),
		GoVersion: assets.SanitizeVersion(version.GoVersion()),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := assets.Index().Execute(w, data); err != nil {
		log.Error().Err(err).Msg("Failed to render status page")
	}
}

// healthResponse is the health probe payload.
type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	GoVersion      string `json:"goVersion"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	ProxiesHealthy int    `json:"proxiesHealthy"`
	Sessions       int    `json:"sessions"`
}

// handleHealth reports liveness. The task queue is probed with a cheap
// read; when it is unreachable the engine cannot park work, so the
// probe fails with 503.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       version.Full(),
		GoVersion:     version.GoVersion(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if h.rotator != nil {
		resp.ProxiesHealthy = h.rotator.HealthyCount()
	}
	if h.sessions != nil {
		if n, err := h.sessions.Count(r.Context()); err == nil {
			resp.Sessions = n
		}
	}

	if h.queue != nil {
		if _, err := h.queue.List(r.Context(), types.TaskPending, 1); err != nil {
			resp.Status = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
