package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"famledger/internal/core"
	"famledger/internal/ledger"
	applog "famledger/internal/log"
	"famledger/internal/matcher"
)

// familyHeader scopes every API operation to one family. Requests
// without it are rejected before any handler logic runs.
const familyHeader = "X-Family-ID"

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type attributionResponse struct {
	ID            string    `json:"id"`
	IncomeEventID string    `json:"income_event_id"`
	PaymentID     string    `json:"payment_id"`
	Amount        string    `json:"amount"`
	Type          string    `json:"type"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toAttributionResponse(a core.PaymentAttribution) attributionResponse {
	return attributionResponse{
		ID:            a.ID,
		IncomeEventID: a.IncomeEventID,
		PaymentID:     a.PaymentID,
		Amount:        core.FormatAmount(a.Amount),
		Type:          string(a.Type),
		CreatedBy:     a.CreatedBy,
		CreatedAt:     a.CreatedAt,
	}
}

func (s *Server) handleCreateAttribution(w http.ResponseWriter, r *http.Request) {
	familyID, ok := requireFamily(w, r)
	if !ok {
		return
	}

	var req struct {
		IncomeEventID string `json:"income_event_id"`
		PaymentID     string `json:"payment_id"`
		Amount        string `json:"amount"`
		Type          string `json:"type"`
		ActorID       string `json:"actor_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	amount, err := core.ParseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	attributionType := core.AttributionType(req.Type)
	if req.Type == "" {
		attributionType = core.AttributionManual
	}

	attribution, err := s.ledger.Create(r.Context(), familyID, ledger.CreateRequest{
		IncomeEventID: req.IncomeEventID,
		PaymentID:     req.PaymentID,
		Amount:        amount,
		Type:          attributionType,
		ActorID:       req.ActorID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	s.listCache.Delete(listCacheKey(familyID, req.IncomeEventID))
	writeJSON(w, http.StatusCreated, toAttributionResponse(attribution))
}

func (s *Server) handleRemoveAttribution(w http.ResponseWriter, r *http.Request) {
	familyID, ok := requireFamily(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusUnprocessableEntity, "attribution id is required")
		return
	}

	removed, err := s.ledger.Remove(r.Context(), familyID, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	s.listCache.Delete(listCacheKey(familyID, removed.IncomeEventID))
	w.WriteHeader(http.StatusNoContent)
}

type attributionsListResponse struct {
	Attributions    []attributionResponse `json:"attributions"`
	TotalAttributed string                `json:"total_attributed"`
	RemainingAmount string                `json:"remaining_amount"`
}

func listCacheKey(familyID, incomeEventID string) string {
	return familyID + "/" + incomeEventID
}

func (s *Server) handleListAttributions(w http.ResponseWriter, r *http.Request) {
	familyID, ok := requireFamily(w, r)
	if !ok {
		return
	}

	incomeEventID := r.URL.Query().Get("incomeEventId")
	if incomeEventID == "" {
		writeError(w, http.StatusUnprocessableEntity, "incomeEventId query parameter is required")
		return
	}

	key := listCacheKey(familyID, incomeEventID)
	if cached, found := s.listCache.Get(key); found {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	result, err := s.ledger.List(r.Context(), familyID, incomeEventID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := attributionsListResponse{
		Attributions:    make([]attributionResponse, 0, len(result.Attributions)),
		TotalAttributed: core.FormatAmount(result.TotalAttributed),
		RemainingAmount: core.FormatAmount(result.RemainingAmount),
	}
	for _, a := range result.Attributions {
		resp.Attributions = append(resp.Attributions, toAttributionResponse(a))
	}

	s.listCache.Set(key, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGenerateAllocations(w http.ResponseWriter, r *http.Request) {
	familyID, ok := requireFamily(w, r)
	if !ok {
		return
	}

	var req struct {
		IncomeEventID string            `json:"income_event_id"`
		Overrides     map[string]string `json:"overrides"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	var overrides map[string]decimal.Decimal
	if len(req.Overrides) > 0 {
		overrides = make(map[string]decimal.Decimal, len(req.Overrides))
		for categoryID, raw := range req.Overrides {
			pct, err := decimal.NewFromString(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "invalid override percentage for category "+categoryID)
				return
			}
			overrides[categoryID] = pct
		}
	}

	result, err := s.allocator.Generate(r.Context(), familyID, req.IncomeEventID, overrides)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	type allocationResponse struct {
		ID         string `json:"id"`
		CategoryID string `json:"category_id"`
		Amount     string `json:"amount"`
		Percentage string `json:"percentage"`
	}
	resp := struct {
		Allocations []allocationResponse `json:"allocations"`
		Summary     struct {
			TotalAllocated string `json:"total_allocated"`
			CategoryCount  int    `json:"category_count"`
		} `json:"summary"`
	}{Allocations: make([]allocationResponse, 0, len(result.Allocations))}
	for _, a := range result.Allocations {
		resp.Allocations = append(resp.Allocations, allocationResponse{
			ID:         a.ID,
			CategoryID: a.CategoryID,
			Amount:     core.FormatAmount(a.Amount),
			Percentage: a.Percentage.String(),
		})
	}
	resp.Summary.TotalAllocated = core.FormatAmount(result.Summary.TotalAllocated)
	resp.Summary.CategoryCount = result.Summary.CategoryCount

	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	familyID, ok := requireFamily(w, r)
	if !ok {
		return
	}

	var req struct {
		From              string   `json:"from"`
		To                string   `json:"to"`
		AccountIDs        []string `json:"account_ids"`
		AmountTolerance   string   `json:"amount_tolerance"`
		DateToleranceDays int      `json:"date_tolerance_days"`
		IncludeMatched    bool     `json:"include_matched"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	matchReq := matcher.Request{
		AccountIDs:        req.AccountIDs,
		DateToleranceDays: req.DateToleranceDays,
		IncludeMatched:    req.IncludeMatched,
	}
	var err error
	if req.From != "" {
		if matchReq.From, err = core.ParseDate(req.From); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	if req.To != "" {
		if matchReq.To, err = core.ParseDate(req.To); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	if req.AmountTolerance != "" {
		if matchReq.AmountTolerance, err = decimal.NewFromString(req.AmountTolerance); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid amount tolerance")
			return
		}
	}

	result, err := s.matcher.Match(r.Context(), familyID, matchReq)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	type matchResponse struct {
		TransactionID   string  `json:"transaction_id"`
		PaymentID       string  `json:"payment_id"`
		Confidence      float64 `json:"confidence"`
		MatchType       string  `json:"match_type"`
		TransactionDate string  `json:"transaction_date"`
	}
	resp := struct {
		Matches []matchResponse `json:"matches"`
		Summary struct {
			TotalTransactions     int `json:"total_transactions"`
			TotalMatches          int `json:"total_matches"`
			HighConfidenceMatches int `json:"high_confidence_matches"`
		} `json:"summary"`
	}{Matches: make([]matchResponse, 0, len(result.Matches))}
	for _, m := range result.Matches {
		resp.Matches = append(resp.Matches, matchResponse{
			TransactionID:   m.TransactionID,
			PaymentID:       m.PaymentID,
			Confidence:      m.Confidence,
			MatchType:       string(m.MatchType),
			TransactionDate: m.TransactionDate.String(),
		})
	}
	resp.Summary.TotalTransactions = result.Summary.TotalTransactions
	resp.Summary.TotalMatches = result.Summary.TotalMatches
	resp.Summary.HighConfidenceMatches = result.Summary.HighConfidenceMatches

	writeJSON(w, http.StatusOK, resp)
}

func requireFamily(w http.ResponseWriter, r *http.Request) (string, bool) {
	familyID := r.Header.Get(familyHeader)
	if familyID == "" {
		writeError(w, http.StatusBadRequest, familyHeader+" header is required")
		return "", false
	}
	return familyID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps domain error kinds onto HTTP statuses. Unknown
// errors never leak details to the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch core.KindOf(err) {
	case core.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case core.KindInvalidAmount, core.KindInvalidPercentage, core.KindInvalidRequest, core.KindNoBudgetCategories:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case core.KindOverAllocation:
		writeError(w, http.StatusConflict, err.Error())
	default:
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Unhandled error",
			applog.FieldError, err.Error(), applog.FieldPath, r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
