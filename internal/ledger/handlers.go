package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradestash/ledger-engine/internal/model"
)

// --- Request types ---

// RechargeRequest is the JSON body for POST /api/v1/recharges.
type RechargeRequest struct {
	DepositedCost decimal.Decimal `json:"deposited_cost"`
	FundedSpend   decimal.Decimal `json:"funded_spend"`
}

// PurchaseRequest is the JSON body for POST /api/v1/purchases.
type PurchaseRequest struct {
	ItemName       string          `json:"item_name"`
	ItemType       string          `json:"item_type"`
	Quantity       int64           `json:"quantity"`
	UnitSpendPrice decimal.Decimal `json:"unit_spend_price"`
}

// SellRequest is the JSON body for POST /api/v1/sells.
type SellRequest struct {
	PurchaseLotID string          `json:"purchase_lot_id"`
	Quantity      int64           `json:"quantity"`
	UnitSellPrice decimal.Decimal `json:"unit_sell_price"`
}

// --- HTTP Handlers ---

// HandleRecharge handles POST /api/v1/recharges.
func (s *Service) HandleRecharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req RechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	lot, err := s.Recharge(r.Context(), userID, req.DepositedCost, req.FundedSpend)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusCreated, lot)
}

// HandlePurchase handles POST /api/v1/purchases.
func (s *Service) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	lot, err := s.Purchase(r.Context(), userID, req.ItemName, req.ItemType, req.Quantity, req.UnitSpendPrice)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusCreated, lot)
}

// HandleSell handles POST /api/v1/sells.
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.Sell(r.Context(), userID, req.PurchaseLotID, req.Quantity, req.UnitSellPrice)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusCreated, rec)
}

// HandleDelete handles DELETE /api/v1/records/{kind}/{recordID}.
func (s *Service) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	kind := model.RecordKind(chi.URLParam(r, "kind"))
	recordID := chi.URLParam(r, "recordID")

	if err := s.Delete(r.Context(), userID, kind, recordID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"deleted": recordID})
}

// HandleBalance handles GET /api/v1/balance.
func (s *Service) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	info, err := s.Balance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, info)
}

// HandleRecords handles GET /api/v1/records/{kind}?page=&limit=.
func (s *Service) HandleRecords(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	kind := model.RecordKind(chi.URLParam(r, "kind"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	out, err := s.Records(r.Context(), userID, kind, page, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

// HandleInventory handles GET /api/v1/inventory.
func (s *Service) HandleInventory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	view, err := s.Inventory(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

// HandleAvailableItems handles GET /api/v1/inventory/available.
func (s *Service) HandleAvailableItems(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	avail, err := s.AvailableItems(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, avail)
}

// HandleStats handles GET /api/v1/stats?months=.
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	months, _ := strconv.Atoi(r.URL.Query().Get("months"))
	result, err := s.Stats(r.Context(), userID, months)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// HandleClearUserData handles DELETE /api/v1/userdata.
func (s *Service) HandleClearUserData(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := s.ClearUserData(r.Context(), userID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"cleared": userID})
}

// --- Response helpers ---

// requireUser extracts the caller identity from the X-User-ID header.
// Writes a 400 and returns false when the header is missing.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, "X-User-ID header is required", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

// writeError writes an error envelope.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}

// writeServiceError maps engine sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		writeError(w, "record not found", http.StatusNotFound)
	case errors.Is(err, ErrOwnership):
		writeError(w, "record belongs to another user", http.StatusForbidden)
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrOversell),
		errors.Is(err, ErrRechargeConsumed),
		errors.Is(err, ErrLotHasSells),
		errors.Is(err, ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
