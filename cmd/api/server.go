package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"lienflow/conflict"
	"lienflow/contract"
	"lienflow/lender"
	"lienflow/normalize"
	"lienflow/notify"
)

type ctxKey string

const ctxKeyLender ctxKey = "lender"

type contractService interface {
	Submit(ctx context.Context, params contract.SubmitParams) (contract.SubmitResult, error)
	GetOwned(ctx context.Context, contractID, lenderID string) (contract.Contract, error)
}

type statusService interface {
	Transition(ctx context.Context, params contract.TransitionParams) (contract.TransitionResult, error)
}

type conflictService interface {
	ListForContract(ctx context.Context, contractID, lenderID string) ([]conflict.CounterpartView, error)
}

type lenderService interface {
	Resolve(ctx context.Context, apiKey string) (lender.Lender, error)
	UpdateWebhookURL(ctx context.Context, id string, url *string) (lender.Lender, error)
}

type eventLister interface {
	ListForLender(ctx context.Context, lenderID string, limit int) ([]notify.Event, error)
}

// Server exposes the lender-facing HTTP API. Every route except health runs
// behind API-key authentication; handlers only ever see the authenticated
// lender from the request context.
type Server struct {
	logger          *slog.Logger
	contractService contractService
	statusService   statusService
	conflictService conflictService
	lenderService   lenderService
	events          eventLister
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /api/contracts", s.authenticated(s.handleSubmitContract))
	mux.Handle("GET /api/contracts/{id}", s.authenticated(s.handleGetContract))
	mux.Handle("PATCH /api/contracts/{id}/status", s.authenticated(s.handleTransition))
	mux.Handle("GET /api/contracts/{id}/conflicts", s.authenticated(s.handleListConflicts))
	mux.Handle("PUT /api/webhook", s.authenticated(s.handleUpdateWebhook))
	mux.Handle("GET /api/notifications", s.authenticated(s.handleListNotifications))
	return mux
}

// authenticated resolves the X-API-Key header to a lender and stores it in
// the request context. Unknown and revoked keys get an identical 401.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		l, err := s.lenderService.Resolve(r.Context(), key)
		if err != nil {
			if errors.Is(err, lender.ErrInvalidCredential) {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			s.logger.ErrorContext(r.Context(), "resolve credential", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyLender, l)))
	})
}

func requestLender(r *http.Request) lender.Lender {
	l, _ := r.Context().Value(ctxKeyLender).(lender.Lender)
	return l
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	ExternalID string `json:"externalId"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	Zip        string `json:"zip"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	APN        string `json:"apn"`
	SignedDate string `json:"signedDate"`
}

type conflictResponse struct {
	LinkID                string   `json:"linkId,omitempty"`
	CounterpartLenderName string   `json:"counterpartLenderName"`
	CounterpartSignedDate string   `json:"counterpartSignedDate"`
	DaysSinceSigned       int      `json:"daysSinceSigned"`
	MatchedOn             []string `json:"matchedOn"`
	LinkStatus            string   `json:"linkStatus"`
	CounterpartStatus     string   `json:"counterpartStatus,omitempty"`
}

type submitResponse struct {
	Outcome   string             `json:"outcome"`
	Contract  contractResponse   `json:"contract"`
	Conflicts []conflictResponse `json:"conflicts"`
}

type contractResponse struct {
	ID            string `json:"id"`
	ExternalID    string `json:"externalId"`
	Street        string `json:"street"`
	City          string `json:"city"`
	State         string `json:"state"`
	Zip           string `json:"zip"`
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	APN           string `json:"apn,omitempty"`
	SignedDate    string `json:"signedDate"`
	Status        string `json:"status"`
	FundedDate    string `json:"fundedDate,omitempty"`
	CancelledDate string `json:"cancelledDate,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

func (s *Server) handleSubmitContract(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	signed, err := time.Parse("2006-01-02", req.SignedDate)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "signedDate must be YYYY-MM-DD")
		return
	}
	if req.ExternalID == "" {
		writeError(w, http.StatusUnprocessableEntity, "externalId is required")
		return
	}

	l := requestLender(r)
	result, err := s.contractService.Submit(r.Context(), contract.SubmitParams{
		LenderID:   l.ID,
		LenderName: l.Name,
		ExternalID: req.ExternalID,
		Street:     req.Street,
		City:       req.City,
		State:      req.State,
		Zip:        req.Zip,
		Phone:      req.Phone,
		Email:      req.Email,
		APN:        req.APN,
		SignedDate: signed,
	})
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrInvalidFormat):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, contract.ErrDuplicateExternalID):
			writeError(w, http.StatusConflict, "a contract with this externalId already exists")
		default:
			s.logger.ErrorContext(r.Context(), "submit contract", "lender_id", l.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		Outcome:   string(result.Outcome),
		Contract:  toContractResponse(result.Contract),
		Conflicts: toConflictResponses(result.Conflicts),
	})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	l := requestLender(r)
	c, err := s.contractService.GetOwned(r.Context(), r.PathValue("id"), l.ID)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contract not found")
			return
		}
		s.logger.ErrorContext(r.Context(), "get contract", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toContractResponse(c))
}

type transitionRequest struct {
	Status     string `json:"status"`
	StatusDate string `json:"statusDate"`
}

type transitionResponse struct {
	Contract          contractResponse `json:"contract"`
	ConflictsResolved int              `json:"conflictsResolved"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params := contract.TransitionParams{
		ContractID: r.PathValue("id"),
		LenderID:   requestLender(r).ID,
		NewStatus:  contract.Status(req.Status),
	}
	if req.StatusDate != "" {
		d, err := time.Parse("2006-01-02", req.StatusDate)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "statusDate must be YYYY-MM-DD")
			return
		}
		params.StatusDate = &d
	}

	result, err := s.statusService.Transition(r.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, contract.ErrNotFound):
			writeError(w, http.StatusNotFound, "contract not found")
		case errors.Is(err, contract.ErrNotOwner):
			writeError(w, http.StatusForbidden, "contract belongs to another lender")
		case errors.Is(err, contract.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "contract is not ACTIVE or target status is not terminal")
		default:
			s.logger.ErrorContext(r.Context(), "transition contract", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, transitionResponse{
		Contract:          toContractResponse(result.Contract),
		ConflictsResolved: result.ConflictsResolved,
	})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	l := requestLender(r)
	views, err := s.conflictService.ListForContract(r.Context(), r.PathValue("id"), l.ID)
	if err != nil {
		if errors.Is(err, conflict.ErrNotOwned) {
			writeError(w, http.StatusNotFound, "contract not found")
			return
		}
		s.logger.ErrorContext(r.Context(), "list conflicts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toConflictResponses(views)})
}

type webhookRequest struct {
	URL *string `json:"url"`
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	l, err := s.lenderService.UpdateWebhookURL(r.Context(), requestLender(r).ID, req.URL)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "update webhook", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := map[string]any{"url": nil}
	if l.WebhookURL != nil {
		resp["url"] = *l.WebhookURL
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventResponse struct {
	ID            string          `json:"id"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	ResponseCode  *int            `json:"responseCode,omitempty"`
	CreatedAt     string          `json:"createdAt"`
	DeliveredAt   string          `json:"deliveredAt,omitempty"`
	NextAttemptAt string          `json:"nextAttemptAt,omitempty"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.events.ListForLender(r.Context(), requestLender(r).ID, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list notifications", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		item := eventResponse{
			ID:           e.ID,
			EventType:    string(e.EventType),
			Payload:      json.RawMessage(e.Payload),
			Status:       string(e.Status),
			Attempts:     e.Attempts,
			ResponseCode: e.ResponseCode,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		}
		if e.LastError != nil {
			item.LastError = *e.LastError
		}
		if e.DeliveredAt != nil {
			item.DeliveredAt = e.DeliveredAt.Format(time.RFC3339)
		}
		if e.Status == notify.StatePending {
			item.NextAttemptAt = e.NextAttemptAt.Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func toContractResponse(c contract.Contract) contractResponse {
	resp := contractResponse{
		ID:         c.ID,
		ExternalID: c.ExternalID,
		Street:     c.Fields.Street,
		City:       c.Fields.City,
		State:      c.Fields.State,
		Zip:        c.Fields.Zip,
		Phone:      c.Fields.Phone,
		Email:      c.Fields.Email,
		APN:        c.Fields.APN,
		SignedDate: c.SignedDate.Format("2006-01-02"),
		Status:     string(c.Status),
		CreatedAt:  c.CreatedAt.Format(time.RFC3339),
	}
	if c.FundedDate != nil {
		resp.FundedDate = c.FundedDate.Format("2006-01-02")
	}
	if c.CancelledDate != nil {
		resp.CancelledDate = c.CancelledDate.Format("2006-01-02")
	}
	return resp
}

func toConflictResponses(views []conflict.CounterpartView) []conflictResponse {
	out := make([]conflictResponse, 0, len(views))
	for _, v := range views {
		keys := make([]string, 0, len(v.MatchedOn))
		for _, k := range v.MatchedOn {
			keys = append(keys, string(k))
		}
		out = append(out, conflictResponse{
			LinkID:                v.LinkID,
			CounterpartLenderName: v.CounterpartLenderName,
			CounterpartSignedDate: v.CounterpartSignedDate.Format("2006-01-02"),
			DaysSinceSigned:       v.DaysSinceSigned,
			MatchedOn:             keys,
			LinkStatus:            string(v.LinkStatus),
			CounterpartStatus:     v.CounterpartStatus,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
