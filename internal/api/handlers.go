package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/techiepookie/arguxai/internal/types"
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EventBatch is the body of POST /api/v1/events
type EventBatch struct {
	Events []*types.Event `json:"events"`
}

// ScanRequest is the optional body of POST /api/v1/scan
type ScanRequest struct {
	Steps        []string `json:"steps,omitempty"`
	Create       bool     `json:"create"`
	AutoDiagnose bool     `json:"auto_diagnose"`
}

// ScanResponse lists anomalies found and, when requested, the issues opened for them
type ScanResponse struct {
	Anomalies []*types.Anomaly `json:"anomalies"`
	Issues    []*types.Issue   `json:"issues,omitempty"`
}

// FixRequest is the optional body of POST /api/v1/issues/{id}/fix
type FixRequest struct {
	CommitRef *string `json:"commit_ref,omitempty"`
	PRRef     *string `json:"pr_ref,omitempty"`
}

// TicketRequest is the body of POST /api/v1/issues/{id}/ticket
type TicketRequest struct {
	TicketRef string `json:"ticket_ref"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health(r.Context())
	status := http.StatusOK
	if h.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, status, h)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var batch EventBatch
	if err := decodeBody(r, &batch, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.IngestEvents(r.Context(), batch.Events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "last_24_hours"
	}
	m, err := s.svc.CalculateFunnelMetrics(r.Context(), mux.Vars(r)["step"], period)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// handleCompare uses the resolved window pair unless the query names explicit
// windows with current_start, current_end, baseline_start and baseline_end
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	step := mux.Vars(r)["step"]
	q := r.URL.Query()

	var (
		c   *types.ComparisonMetrics
		err error
	)
	if q.Has("current_start") || q.Has("current_end") || q.Has("baseline_start") || q.Has("baseline_end") {
		current, perr := types.ParseWindow(q.Get("current_start"), q.Get("current_end"))
		if perr != nil {
			s.writeError(w, r, fmt.Errorf("current: %w", perr))
			return
		}
		baseline, perr := types.ParseWindow(q.Get("baseline_start"), q.Get("baseline_end"))
		if perr != nil {
			s.writeError(w, r, fmt.Errorf("baseline: %w", perr))
			return
		}
		c, err = s.svc.CompareWindows(r.Context(), step, current, baseline)
	} else {
		c, err = s.svc.CompareWithBaseline(r.Context(), step)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	if !req.Create {
		anomalies, err := s.svc.ScanAllFunnelSteps(r.Context(), req.Steps)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, ScanResponse{Anomalies: anomalies})
		return
	}

	created, err := s.svc.ScanAndCreate(r.Context(), req.Steps, req.AutoDiagnose)
	if err != nil && len(created) == 0 {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Int("created", len(created)).Msg("Scan created some issues but not all")
	}
	anomalies := make([]*types.Anomaly, len(created))
	for i, issue := range created {
		a := issue.Anomaly
		anomalies[i] = &a
	}
	s.writeJSON(w, http.StatusOK, ScanResponse{Anomalies: anomalies, Issues: created})
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter types.IssueFilter
	if v := q.Get("status"); v != "" {
		st, err := types.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, invalid(err))
			return
		}
		filter.Status = st
	}
	if v := q.Get("severity"); v != "" {
		sev, err := types.ParseSeverity(v)
		if err != nil {
			s.writeError(w, r, invalid(err))
			return
		}
		filter.Severity = sev
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", types.ErrInvalidInput))
			return
		}
		filter.Limit = n
	}

	list, err := s.svc.ListIssues(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	autoDiagnose := true
	if v := r.URL.Query().Get("auto_diagnose"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: auto_diagnose must be a boolean", types.ErrInvalidInput))
			return
		}
		autoDiagnose = b
	}

	var anomaly types.Anomaly
	if err := decodeBody(r, &anomaly, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	issue, err := s.svc.CreateIssue(r.Context(), &anomaly, autoDiagnose)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, issue)
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.svc.GetIssue(r.Context(), mux.Vars(r)["id"])
	s.respondIssue(w, r, issue, err)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	issue, err := s.svc.DiagnoseIssue(r.Context(), mux.Vars(r)["id"])
	s.respondIssue(w, r, issue, err)
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	var req FixRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	issue, err := s.svc.MarkFixed(r.Context(), mux.Vars(r)["id"], req.CommitRef, req.PRRef)
	s.respondIssue(w, r, issue, err)
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	issue, err := s.svc.MeasureImpact(r.Context(), mux.Vars(r)["id"])
	s.respondIssue(w, r, issue, err)
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	var req TicketRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	issue, err := s.svc.LinkTicket(r.Context(), mux.Vars(r)["id"], req.TicketRef)
	s.respondIssue(w, r, issue, err)
}

func (s *Server) handleListFunnels(w http.ResponseWriter, r *http.Request) {
	funnels, err := s.svc.ListFunnels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, funnels)
}

func (s *Server) handleCreateFunnel(w http.ResponseWriter, r *http.Request) {
	var f types.Funnel
	if err := decodeBody(r, &f, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.svc.CreateFunnel(r.Context(), &f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", apiPrefix+"/funnels/"+created.Name)
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetFunnel(w http.ResponseWriter, r *http.Request) {
	f, err := s.svc.GetFunnel(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleUpdateFunnel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var f types.Funnel
	if err := decodeBody(r, &f, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Name != "" && f.Name != name {
		s.writeError(w, r, fmt.Errorf("%w: body names funnel %q but the path names %q", types.ErrInvalidInput, f.Name, name))
		return
	}
	updated, err := s.svc.UpdateFunnel(r.Context(), name, &f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteFunnel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteFunnel(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeErrorCode(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeErrorCode(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		fmt.Sprintf("%s is not supported on %s", r.Method, r.URL.Path))
}

func (s *Server) respondIssue(w http.ResponseWriter, r *http.Request, issue *types.Issue, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, issue)
}

// decodeBody decodes a JSON body into dst. Unknown fields are rejected.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", types.ErrInvalidInput, tooLarge.Limit)
		}
		return fmt.Errorf("%w: malformed JSON body: %v", types.ErrInvalidInput, err)
	}
	return nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
}

// statusFor maps domain errors onto HTTP statuses
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, types.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, types.ErrNoData):
		return http.StatusUnprocessableEntity, "no_data"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeJSON writes JSON response with proper error handling
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Request failed")
		msg = "internal error"
	}
	s.writeErrorCode(w, r, status, code, strings.TrimSpace(msg))
}

func (s *Server) writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}
