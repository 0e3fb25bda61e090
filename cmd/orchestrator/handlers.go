package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/engagement/orchestration/internal/adapter"
	"github.com/engagement/orchestration/internal/archive"
	"github.com/engagement/orchestration/internal/bus"
	"github.com/engagement/orchestration/internal/event"
	"github.com/engagement/orchestration/internal/eventstore"
	"github.com/engagement/orchestration/internal/saga"
	"github.com/engagement/orchestration/internal/workflow"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/logger"
	"github.com/engagement/orchestration/pkg/response"
)

// apiServer carries the wired components behind the internal HTTP API.
type apiServer struct {
	log           *logger.Logger
	bus           *bus.Bus
	orchestrator  *saga.Orchestrator
	workflows     *workflow.Service
	archiver      *archive.Archiver
	gateway       *adapter.Adapter
	internalToken string
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/events", s.requireInternalAuth(s.handleEvents))
	mux.HandleFunc("/v1/dlq", s.requireInternalAuth(s.handleDeadLetters))
	mux.HandleFunc("/v1/dlq/replay", s.requireInternalAuth(s.handleReplayDeadLetter))
	mux.HandleFunc("/v1/sagas", s.requireInternalAuth(s.handleSagas))
	mux.HandleFunc("/v1/definitions", s.requireInternalAuth(s.handleDefinitions))
	mux.HandleFunc("/v1/archive", s.requireInternalAuth(s.handleArchive))
	mux.HandleFunc("/v1/breakers", s.requireInternalAuth(s.handleBreakers))
	mux.HandleFunc("/v1/engagements/finalize", s.requireInternalAuth(s.handleFinalize))
	mux.HandleFunc("/v1/engagements/closeBooks", s.requireInternalAuth(s.handleCloseBooks))
}

func (s *apiServer) requireInternalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Token") != s.internalToken {
			response.WriteErrorCode(w, r, apierrors.CodeUnauthenticated, "unauthorized")
			return
		}
		next(w, r)
	}
}

type publishRequest struct {
	Channel       string          `json:"channel"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Publisher     string          `json:"publisher,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apierrors.CodeInvalidRequest, "method not allowed")
		return
	}

	var req publishRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	evt := &event.Event{
		Channel:       req.Channel,
		Type:          req.Type,
		Payload:       req.Payload,
		Publisher:     req.Publisher,
		CorrelationID: req.CorrelationID,
	}
	entryID, err := s.bus.Publish(r.Context(), evt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusAccepted, map[string]string{
		"entryId": entryID,
		"eventId": evt.ID,
	})
}

func (s *apiServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" {
		response.WriteErrorCode(w, r, apierrors.CodeInvalidRequest, "channel query parameter required")
		return
	}
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	letters, err := s.bus.DeadLetters(r.Context(), channel, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if letters == nil {
		letters = []eventstore.DeadLetter{}
	}

	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"channel":     channel,
		"deadLetters": letters,
	})
}

type replayRequest struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

func (s *apiServer) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apierrors.CodeInvalidRequest, "method not allowed")
		return
	}

	var req replayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Channel == "" || req.ID == "" {
		response.WriteErrorCode(w, r, apierrors.CodeInvalidRequest, "channel and id are required")
		return
	}

	evt, err := s.bus.ReplayDeadLetter(r.Context(), req.Channel, req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"event": evt,
	})
}

type executeRequest struct {
	Definition string         `json:"definition"`
	SagaID     string         `json:"sagaId,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

// executeResponse pairs the terminal execution record with the error that
// ended it, so failed runs still hand the caller the full step trace.
type executeResponse struct {
	Execution *saga.Execution  `json:"execution"`
	Error     *apierrors.Error `json:"error,omitempty"`
}

func (s *apiServer) handleSagas(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.executeSaga(w, r)
	case http.MethodGet:
		s.getSaga(w, r)
	default:
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apierrors.CodeInvalidRequest, "method not allowed")
	}
}

func (s *apiServer) executeSaga(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Definition == "" {
		response.WriteErrorCode(w, r, apierrors.CodeInvalidRequest, "definition is required")
		return
	}

	// engagement workflows go through the service so locks are released
	// and announcements published the same way as the dedicated routes
	switch req.Definition {
	case workflow.DefinitionFinalize:
		exec, err := s.workflows.FinalizeEngagement(r.Context(), &workflow.FinalizeRequest{
			EngagementID: stringInput(req.Input, workflow.KeyEngagementID),
			ClientID:     stringInput(req.Input, workflow.KeyClientID),
			Period:       stringInput(req.Input, workflow.KeyPeriod),
			SagaID:       req.SagaID,
		})
		s.writeExecution(w, r, exec, err)
	case workflow.DefinitionCloseBooks:
		exec, err := s.workflows.CloseBooks(r.Context(), &workflow.CloseBooksRequest{
			EngagementID: stringInput(req.Input, workflow.KeyEngagementID),
			Period:       stringInput(req.Input, workflow.KeyPeriod),
			SagaID:       req.SagaID,
		})
		s.writeExecution(w, r, exec, err)
	default:
		exec, err := s.orchestrator.Execute(r.Context(), req.Definition, req.SagaID, req.Input)
		s.writeExecution(w, r, exec, err)
	}
}

func stringInput(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

func (s *apiServer) getSaga(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		response.WriteErrorCode(w, r, apierrors.CodeInvalidRequest, "id query parameter required")
		return
	}

	exec, err := s.orchestrator.Get(r.Context(), id)
	if err == nil {
		response.WriteJSON(w, http.StatusOK, exec)
		return
	}

	// expired hot-store entries live on in the archive
	if apierrors.HasCode(err, apierrors.CodeSagaNotFound) && s.archiver != nil {
		rec, archiveErr := s.archiver.Get(r.Context(), id)
		if archiveErr == nil {
			response.WriteJSON(w, http.StatusOK, rec)
			return
		}
		if !apierrors.HasCode(archiveErr, apierrors.CodeSagaNotFound) {
			s.writeError(w, r, archiveErr)
			return
		}
	}

	s.writeError(w, r, err)
}

func (s *apiServer) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"definitions": s.orchestrator.Definitions(),
	})
}

func (s *apiServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
	until, _ := strconv.ParseInt(q.Get("until"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	records, err := s.archiver.Query(r.Context(), &archive.Filter{
		SagaID:     strings.TrimSpace(q.Get("sagaId")),
		Definition: strings.TrimSpace(q.Get("definition")),
		Status:     strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		Since:      since,
		Until:      until,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*archive.Record{}
	}

	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
	})
}

type breakerStatus struct {
	Service string `json:"service"`
	State   string `json:"state"`
}

func (s *apiServer) handleBreakers(w http.ResponseWriter, r *http.Request) {
	names := s.gateway.Services()
	statuses := make([]breakerStatus, 0, len(names))
	for _, name := range names {
		state, err := s.gateway.State(name)
		if err != nil {
			continue
		}
		statuses = append(statuses, breakerStatus{Service: name, State: state.String()})
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"services": statuses,
	})
}

func (s *apiServer) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apierrors.CodeInvalidRequest, "method not allowed")
		return
	}

	var req workflow.FinalizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	exec, err := s.workflows.FinalizeEngagement(r.Context(), &req)
	s.writeExecution(w, r, exec, err)
}

func (s *apiServer) handleCloseBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.WriteStatusError(w, r, http.StatusMethodNotAllowed, apierrors.CodeInvalidRequest, "method not allowed")
		return
	}

	var req workflow.CloseBooksRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	exec, err := s.workflows.CloseBooks(r.Context(), &req)
	s.writeExecution(w, r, exec, err)
}

func (s *apiServer) writeExecution(w http.ResponseWriter, r *http.Request, exec *saga.Execution, err error) {
	if err != nil {
		var apiErr *apierrors.Error
		if exec != nil && errors.As(err, &apiErr) {
			response.WriteJSON(w, apiErr.HTTPStatus(), executeResponse{Execution: exec, Error: apiErr})
			return
		}
		s.writeError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, executeResponse{Execution: exec})
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		response.WriteError(w, r, apiErr)
		return
	}
	s.log.WithError(err).Error("request failed")
	response.WriteErrorCode(w, r, apierrors.CodeInternal, "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if isRequestTooLarge(err) {
			response.WriteStatusError(w, r, http.StatusRequestEntityTooLarge, apierrors.CodeInvalidRequest, "request body too large")
			return false
		}
		response.WriteErrorCode(w, r, apierrors.CodeInvalidRequest, "invalid request")
		return false
	}
	return true
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
