package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/veracare/phi-core/internal/audit"
	"github.com/veracare/phi-core/pkg/config"
	"github.com/veracare/phi-core/pkg/logger"
	"github.com/veracare/phi-core/pkg/monitoring"
	"github.com/veracare/phi-core/pkg/phi"
	"github.com/veracare/phi-core/pkg/policy"
	"github.com/veracare/phi-core/pkg/types"
)

const maxQueryLimit = 1000

// Service exposes the PHI audit core over HTTP. Every boundary operation
// that touches PHI is fail-closed: if its audit event cannot be appended,
// the operation fails and no data leaves the service.
type Service struct {
	cfg     *config.Config
	log     *logger.Logger
	audit   *audit.Logger
	phiSvc  *phi.Service
	policy  *policy.Validator
	metrics *monitoring.MetricsCollector
	tokens  *TokenValidator
	health  func(context.Context) error

	router *mux.Router
	server *http.Server
}

// NewService wires the boundary service over the core components. The
// health function checks the audit store; pass nil for stores without one.
func NewService(
	cfg *config.Config,
	log *logger.Logger,
	auditLog *audit.Logger,
	phiSvc *phi.Service,
	policyValidator *policy.Validator,
	metrics *monitoring.MetricsCollector,
	health func(context.Context) error,
) *Service {
	s := &Service{
		cfg:     cfg,
		log:     log,
		audit:   auditLog,
		phiSvc:  phiSvc,
		policy:  policyValidator,
		metrics: metrics,
		tokens:  NewTokenValidator(&cfg.JWT),
		health:  health,
	}
	s.setupRoutes()
	return s
}

func (s *Service) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.Use(s.securityHeadersMiddleware)
	s.router.Use(s.loggingMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware)
	}
	s.router.Use(s.authMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/audit/events", s.handleAppendEvent).Methods("POST")
	api.HandleFunc("/audit/events", s.handleQueryEvents).Methods("GET")
	api.HandleFunc("/audit/verify", s.handleVerifyChain).Methods("GET")
	api.HandleFunc("/phi/encrypt", s.handleEncryptField).Methods("POST")
	api.HandleFunc("/phi/decrypt", s.handleDecryptField).Methods("POST")
	api.HandleFunc("/access/validate", s.handleValidateAccess).Methods("POST")

	s.router.HandleFunc(s.cfg.Monitoring.HealthPath, s.handleHealth).Methods("GET")
	if s.metrics != nil && s.cfg.Monitoring.Enabled {
		s.router.Handle(s.cfg.Monitoring.MetricsPath, s.metrics.Handler()).Methods("GET")
	}
}

// Router returns the configured HTTP router
func (s *Service) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until Stop is called
func (s *Service) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeout) * time.Second,
	}

	s.log.WithField("addr", addr).Info("Starting PHI audit service")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleAppendEvent records a caller-submitted audit event. The actor is
// always taken from the validated token, never from the request body.
func (s *Service) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	claims, ok := ActorFromContext(r.Context())
	if !ok {
		s.writeErrorResponse(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	var draft audit.DraftEvent
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	draft.ActorID = claims.ActorID

	start := time.Now()
	event, err := s.audit.Append(r.Context(), &draft)
	if s.metrics != nil {
		s.metrics.RecordAuditAppend(string(draft.EventType), err == nil, time.Since(start))
	}
	if err != nil {
		s.writeCoreError(w, err, "audit append")
		return
	}

	if s.metrics != nil {
		s.metrics.SetChainLength(event.SequenceNumber)
	}
	s.writeJSONResponse(w, http.StatusCreated, event)
}

// handleQueryEvents streams matching events out of the chain
func (s *Service) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	stream, err := s.audit.Replay(r.Context(), filter)
	if err != nil {
		s.writeCoreError(w, err, "audit query")
		return
	}

	events := make([]*audit.AuditEvent, 0, filter.Limit)
	for e := range stream.Events() {
		events = append(events, e)
	}
	// A partial result must not masquerade as a complete one
	if err := stream.Err(); err != nil {
		s.writeCoreError(w, err, "audit query")
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleVerifyChain re-derives the hash chain over the requested window.
// A broken chain is reported in the result body, not as a transport error;
// compliance tooling needs the broken sequence number either way.
func (s *Service) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 1)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid from parameter")
		return
	}
	to, err := queryUint(r, "to", 0)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid to parameter")
		return
	}

	result, err := s.audit.Verify(r.Context(), from, to)
	if err != nil && !errors.Is(err, types.ErrChainTamper) {
		s.writeCoreError(w, err, "chain verification")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordChainVerification(result.Valid)
	}
	s.writeJSONResponse(w, http.StatusOK, result)
}

type encryptFieldRequest struct {
	FieldType phi.FieldType `json:"field_type"`
	SubjectID string        `json:"subject_id"`
	Value     string        `json:"value"`
}

// handleEncryptField encrypts one PHI field value. The encryption is only
// acknowledged once its audit event is on the chain.
func (s *Service) handleEncryptField(w http.ResponseWriter, r *http.Request) {
	claims, ok := ActorFromContext(r.Context())
	if !ok {
		s.writeErrorResponse(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	var req encryptFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ec := phi.EncryptionContext{FieldType: req.FieldType, SubjectID: req.SubjectID}

	start := time.Now()
	envelope, err := s.phiSvc.EncryptField(r.Context(), []byte(req.Value), ec)
	if s.metrics != nil {
		s.metrics.RecordPHIOperation("encrypt", string(req.FieldType), err == nil, time.Since(start))
	}
	if err != nil {
		s.writeCoreError(w, err, "field encryption")
		return
	}

	_, err = s.audit.Append(r.Context(), &audit.DraftEvent{
		EventType:  audit.EventPHIAccessed,
		ActorID:    claims.ActorID,
		ResourceID: req.SubjectID,
		Message:    "PHI field encrypted",
		Details: map[string]interface{}{
			"operation":   "encrypt_field",
			"field_type":  string(req.FieldType),
			"key_version": envelope.KeyVersion,
		},
		ContainsPHI:        true,
		DataClassification: audit.ClassificationPHI,
		Severity:           audit.SeverityLow,
	})
	if err != nil {
		// Fail closed: an unrecorded PHI operation never succeeds
		s.log.WithActorID(claims.ActorID).WithError(err).Error("Discarding envelope, audit append failed")
		s.writeCoreError(w, err, "audit append")
		return
	}

	s.writeJSONResponse(w, http.StatusOK, envelope)
}

type decryptFieldRequest struct {
	FieldType phi.FieldType          `json:"field_type"`
	SubjectID string                 `json:"subject_id"`
	Envelope  *phi.EncryptedEnvelope `json:"envelope"`
}

// handleDecryptField decrypts one PHI field envelope. Integrity failures
// are recorded as denial events; plaintext is only released once its
// access event is on the chain.
func (s *Service) handleDecryptField(w http.ResponseWriter, r *http.Request) {
	claims, ok := ActorFromContext(r.Context())
	if !ok {
		s.writeErrorResponse(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	var req decryptFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ec := phi.EncryptionContext{FieldType: req.FieldType, SubjectID: req.SubjectID}

	start := time.Now()
	value, err := s.phiSvc.DecryptField(r.Context(), req.Envelope, ec)
	if s.metrics != nil {
		s.metrics.RecordPHIOperation("decrypt", string(req.FieldType), err == nil, time.Since(start))
	}
	if err != nil {
		if errors.Is(err, types.ErrIntegrityFailure) {
			// Best effort; the denial response stands even if this append fails
			if _, aerr := s.audit.Append(r.Context(), &audit.DraftEvent{
				EventType:  audit.EventPHIDenied,
				ActorID:    claims.ActorID,
				ResourceID: req.SubjectID,
				Message:    "PHI decryption rejected, integrity verification failed",
				Details: map[string]interface{}{
					"operation":  "decrypt_field",
					"field_type": string(req.FieldType),
					"reason":     "integrity_failure",
				},
				DataClassification: audit.ClassificationConfidential,
				Severity:           audit.SeverityHigh,
			}); aerr != nil {
				s.log.WithError(aerr).Error("Failed to record integrity failure in audit log")
			}
		}
		s.writeCoreError(w, err, "field decryption")
		return
	}

	_, err = s.audit.Append(r.Context(), &audit.DraftEvent{
		EventType:  audit.EventPHIAccessed,
		ActorID:    claims.ActorID,
		ResourceID: req.SubjectID,
		Message:    "PHI field decrypted",
		Details: map[string]interface{}{
			"operation":   "decrypt_field",
			"field_type":  string(req.FieldType),
			"key_version": req.Envelope.KeyVersion,
		},
		ContainsPHI:        true,
		DataClassification: audit.ClassificationPHI,
		Severity:           audit.SeverityLow,
	})
	if err != nil {
		// Fail closed: withhold the plaintext when the access is unrecorded
		s.log.WithActorID(claims.ActorID).WithError(err).Error("Withholding plaintext, audit append failed")
		s.writeCoreError(w, err, "audit append")
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]string{"value": string(value)})
}

type validateAccessRequest struct {
	policy.AccessDecisionRequest
	SubjectID string `json:"subject_id"`
}

// handleValidateAccess runs the minimum-necessary policy over the request
// and records the decision. Grants are only returned once their access
// event is on the chain; denials are recorded best effort.
func (s *Service) handleValidateAccess(w http.ResponseWriter, r *http.Request) {
	claims, ok := ActorFromContext(r.Context())
	if !ok {
		s.writeErrorResponse(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	var req validateAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision := s.policy.Validate(req.AccessDecisionRequest)
	if s.metrics != nil {
		s.metrics.RecordAccessDecision(string(req.Role), string(req.Purpose), decision.Allowed)
	}

	details := map[string]interface{}{
		"role":             string(req.Role),
		"purpose":          string(req.Purpose),
		"requested_fields": req.RequestedFields,
		"reason":           decision.Reason,
	}
	if len(decision.DeniedFields) > 0 {
		details["denied_fields"] = decision.DeniedFields
	}

	if decision.Allowed {
		_, err := s.audit.Append(r.Context(), &audit.DraftEvent{
			EventType:          audit.EventPHIAccessed,
			ActorID:            claims.ActorID,
			ResourceID:         req.SubjectID,
			Message:            "PHI access granted under minimum-necessary policy",
			Details:            details,
			ContainsPHI:        true,
			DataClassification: audit.ClassificationPHI,
			Severity:           audit.SeverityLow,
		})
		if err != nil {
			// Fail closed: an unrecorded grant is no grant
			s.log.WithActorID(claims.ActorID).WithError(err).Error("Revoking access decision, audit append failed")
			s.writeCoreError(w, err, "audit append")
			return
		}
	} else {
		if _, err := s.audit.Append(r.Context(), &audit.DraftEvent{
			EventType:          audit.EventPHIDenied,
			ActorID:            claims.ActorID,
			ResourceID:         req.SubjectID,
			Message:            "PHI access denied under minimum-necessary policy",
			Details:            details,
			DataClassification: audit.ClassificationConfidential,
			Severity:           audit.SeverityMedium,
		}); err != nil {
			s.log.WithError(err).Error("Failed to record access denial in audit log")
		}
	}

	s.writeJSONResponse(w, http.StatusOK, decision)
}

// handleHealth reports service and store health
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["store"] = "unreachable"
			s.writeJSONResponse(w, http.StatusServiceUnavailable, status)
			return
		}
		status["store"] = "ok"
	}

	s.writeJSONResponse(w, http.StatusOK, status)
}

func filterFromQuery(r *http.Request) (*audit.Filter, error) {
	q := r.URL.Query()
	filter := &audit.Filter{Limit: 100}

	filter.ActorID = q.Get("actor_id")
	filter.EventType = audit.EventType(q.Get("event_type"))

	if v := q.Get("contains_phi"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid contains_phi parameter")
		}
		filter.ContainsPHI = &b
	}

	if v := q.Get("from_sequence"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid from_sequence parameter")
		}
		filter.FromSequence = seq
	}

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid start parameter, expected RFC3339")
		}
		filter.StartTime = t
	}

	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid end parameter, expected RFC3339")
		}
		filter.EndTime = t
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return nil, fmt.Errorf("invalid limit parameter")
		}
		if limit > maxQueryLimit {
			limit = maxQueryLimit
		}
		filter.Limit = limit
	}

	return filter, nil
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

// writeCoreError maps a core error to an HTTP status with a generic client
// message. Internal detail stays in the server log; clients never see
// storage or crypto internals.
func (s *Service) writeCoreError(w http.ResponseWriter, err error, operation string) {
	s.log.WithError(err).WithField("operation", operation).Error("Request failed")

	switch {
	case errors.Is(err, types.ErrIntegrityFailure):
		s.writeErrorResponse(w, http.StatusConflict, "integrity verification failed")
	case errors.Is(err, types.ErrChainTamper):
		s.writeErrorResponse(w, http.StatusConflict, "audit chain verification failed")
	case errors.Is(err, types.ErrStorageUnavailable),
		errors.Is(err, types.ErrAppendConflict),
		errors.Is(err, types.ErrAppendTimeout):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		var ce *types.CoreError
		if errors.As(err, &ce) && ce.Type == types.ErrorTypeValidation {
			s.writeErrorResponse(w, http.StatusBadRequest, ce.Message)
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Service) writeJSONResponse(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("Failed to encode response")
	}
}

func (s *Service) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
