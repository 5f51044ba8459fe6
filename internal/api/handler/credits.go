package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/pixelforge/pixelforge/internal/api/middleware"
	"github.com/pixelforge/pixelforge/internal/api/response"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/pkg/models"
)

// NewGetBalanceHandler returns an http.HandlerFunc for GET /api/v1/credits.
func NewGetBalanceHandler(led ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		balance, err := led.GetBalance(r.Context(), userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load balance", nil)
			return
		}

		response.JSON(w, balanceView(balance))
	}
}

// NewListLedgerHandler returns an http.HandlerFunc for GET /api/v1/credits/ledger.
func NewListLedgerHandler(led ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		page, limit := parsePagination(r)
		entries, total, err := led.ListEntries(r.Context(), userID, limit, (page-1)*limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load ledger", nil)
			return
		}

		response.Collection(w, entries, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewGrantCreditsHandler returns an http.HandlerFunc for
// POST /api/v1/admin/credits. Admin-only; grants or revokes credits on any
// user's balance with an audit entry.
func NewGrantCreditsHandler(led ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID      uuid.UUID `json:"user_id"`
			Amount      int64     `json:"amount"`
			Type        string    `json:"type"`
			Description string    `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.UserID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required", nil)
			return
		}
		if req.Amount == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "amount must be non-zero", nil)
			return
		}

		entryType := req.Type
		if entryType == "" {
			entryType = models.EntryAdminAdjustment
		}
		switch entryType {
		case models.EntryPurchase, models.EntryBonus, models.EntryRefund, models.EntryAdminAdjustment:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"type must be purchase, bonus, refund, or admin_adjustment", nil)
			return
		}

		balance, err := led.Add(r.Context(), req.UserID, req.Amount, entryType, req.Description)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				response.Error(w, http.StatusBadRequest, "INSUFFICIENT_CREDITS",
					"Adjustment would drive the balance negative", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to adjust balance", nil)
			return
		}

		response.JSON(w, balanceView(balance))
	}
}

type creditBalanceView struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	Reserved  int64     `json:"reserved"`
	Available int64     `json:"available"`
}

func balanceView(b *models.CreditBalance) creditBalanceView {
	return creditBalanceView{
		UserID:    b.UserID,
		Balance:   b.Balance,
		Reserved:  b.Reserved,
		Available: b.Available(),
	}
}
