package account

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/model"
)

// AmountRequest is the JSON body for withdrawal requests.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreditRequest is the JSON body for crediting a referral.
type CreditRequest struct {
	Bonus decimal.Decimal `json:"bonus"`
}

// ApplyReferralRequest is the JSON body for applying a referral code.
type ApplyReferralRequest struct {
	Code string `json:"code"`
}

// --- HTTP Handlers ---

// HandleRegister handles POST /api/v1/accounts
func (s *Service) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := s.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// HandleGet handles GET /api/v1/accounts/{accountID}
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Get(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleReferralCode handles GET /api/v1/accounts/{accountID}/referral-code
func (s *Service) HandleReferralCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.ReferralCode(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

// HandleApplyReferral handles POST /api/v1/accounts/{accountID}/referrals
func (s *Service) HandleApplyReferral(w http.ResponseWriter, r *http.Request) {
	var req ApplyReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ref, err := s.ApplyReferral(r.Context(), chi.URLParam(r, "accountID"), req.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

// HandleListReferrals handles GET /api/v1/accounts/{accountID}/referrals
func (s *Service) HandleListReferrals(w http.ResponseWriter, r *http.Request) {
	refs, err := s.Referrals(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

// HandleRequestWithdrawal handles POST /api/v1/accounts/{accountID}/withdrawals
func (s *Service) HandleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	wd, err := s.RequestWithdrawal(r.Context(), chi.URLParam(r, "accountID"), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

// HandleListWithdrawals handles GET /api/v1/accounts/{accountID}/withdrawals
func (s *Service) HandleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := s.Withdrawals(r.Context(), chi.URLParam(r, "accountID"), r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Admin handlers (mounted behind RequireAdmin) ---

// HandleAdminCreate handles POST /api/v1/admin/accounts
func (s *Service) HandleAdminCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := s.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// HandleAdminSearch handles GET /api/v1/admin/accounts?q=
func (s *Service) HandleAdminSearch(w http.ResponseWriter, r *http.Request) {
	list, err := s.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleAdminDetail handles GET /api/v1/admin/accounts/{accountID}
func (s *Service) HandleAdminDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Detail(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// HandleAdminWithdrawals handles GET /api/v1/admin/withdrawals?status=
func (s *Service) HandleAdminWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := s.Withdrawals(r.Context(), "", r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleApproveWithdrawal handles POST /api/v1/admin/withdrawals/{withdrawalID}/approve
func (s *Service) HandleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.handleSettle(w, r, s.ApproveWithdrawal)
}

// HandleRejectWithdrawal handles POST /api/v1/admin/withdrawals/{withdrawalID}/reject
func (s *Service) HandleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.handleSettle(w, r, s.RejectWithdrawal)
}

func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request,
	settle func(context.Context, string) (*model.Withdrawal, error)) {
	wd, err := settle(r.Context(), chi.URLParam(r, "withdrawalID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// HandleAdminReferrals handles GET /api/v1/admin/referrals
func (s *Service) HandleAdminReferrals(w http.ResponseWriter, r *http.Request) {
	refs, err := s.Referrals(r.Context(), "")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

// HandleCreditReferral handles POST /api/v1/admin/referrals/{referralID}/credit
func (s *Service) HandleCreditReferral(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ref, err := s.CreditReferral(r.Context(), chi.URLParam(r, "referralID"), req.Bonus)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// --- Response helpers ---

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidEmail),
		errors.Is(err, ErrInvalidRole),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidReferralCode),
		errors.Is(err, ErrSelfReferral):
		return http.StatusBadRequest
	case errors.Is(err, ErrEmailTaken),
		errors.Is(err, ErrAlreadyReferred),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrAlreadyProcessed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("account request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
