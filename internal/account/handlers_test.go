package account_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/simtrade/ledger-service/internal/account"
	"github.com/simtrade/ledger-service/internal/model"
	"github.com/simtrade/ledger-service/internal/store"
)

// newTestEnv wires the account routes the same way the server does.
func newTestEnv(t *testing.T) (*account.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := account.NewService(ms, decimal.NewFromInt(10000))

	r := chi.NewRouter()
	r.Post("/api/v1/accounts", svc.HandleRegister)
	r.Route("/api/v1/accounts/{accountID}", func(r chi.Router) {
		r.Use(account.RequireActor(ms))
		r.Get("/", svc.HandleGet)
		r.Get("/referral-code", svc.HandleReferralCode)
		r.Post("/referrals", svc.HandleApplyReferral)
		r.Post("/withdrawals", svc.HandleRequestWithdrawal)
		r.Get("/withdrawals", svc.HandleListWithdrawals)
	})
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(account.RequireAdmin(ms))
		r.Get("/accounts", svc.HandleAdminSearch)
		r.Get("/accounts/{accountID}", svc.HandleAdminDetail)
		r.Post("/withdrawals/{withdrawalID}/approve", svc.HandleApproveWithdrawal)
		r.Post("/referrals/{referralID}/credit", svc.HandleCreditReferral)
	})
	return svc, ms, r
}

func do(t *testing.T, router chi.Router, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(account.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func registerVia(t *testing.T, router chi.Router, email string) model.Account {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/accounts", "", account.RegisterRequest{Email: email})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %s", email, w.Code, w.Body.String())
	}
	var a model.Account
	json.NewDecoder(w.Body).Decode(&a)
	return a
}

func TestHandleRegister(t *testing.T) {
	_, _, router := newTestEnv(t)

	admin := registerVia(t, router, "Admin@Example.com")
	if admin.Role != model.RoleAdmin {
		t.Errorf("first account role = %q, want admin", admin.Role)
	}
	if admin.Email != "admin@example.com" {
		t.Errorf("email not normalised: %q", admin.Email)
	}

	w := do(t, router, "POST", "/api/v1/accounts", "", account.RegisterRequest{Email: "admin@example.com"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate email: expected 409, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/accounts", "", account.RegisterRequest{Email: "nope"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad email: expected 400, got %d", w.Code)
	}
}

func TestHandleRegister_InvalidBody(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)
	admin := registerVia(t, router, "admin@example.com")

	w := do(t, router, "GET", "/api/v1/accounts/ghost", admin.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleReferralCode(t *testing.T) {
	_, _, router := newTestEnv(t)
	a := registerVia(t, router, "a@example.com")

	w := do(t, router, "GET", "/api/v1/accounts/"+a.ID+"/referral-code", a.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp["code"]) != 8 {
		t.Errorf("unexpected code %q", resp["code"])
	}
}

func TestRequireAdmin(t *testing.T) {
	_, _, router := newTestEnv(t)
	admin := registerVia(t, router, "admin@example.com")
	user := registerVia(t, router, "user@example.com")

	tests := []struct {
		name  string
		actor string
		want  int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"unknown account", "ghost", http.StatusUnauthorized},
		{"regular user", user.ID, http.StatusForbidden},
		{"admin", admin.ID, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "GET", "/api/v1/admin/accounts?q=example", tt.actor, nil)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestRequireActor(t *testing.T) {
	_, _, router := newTestEnv(t)
	admin := registerVia(t, router, "admin@example.com")
	alice := registerVia(t, router, "alice@example.com")
	bob := registerVia(t, router, "bob@example.com")

	tests := []struct {
		name  string
		actor string
		want  int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"unknown account", "ghost", http.StatusUnauthorized},
		{"another user", bob.ID, http.StatusForbidden},
		{"owner", alice.ID, http.StatusCreated},
		{"admin on behalf", admin.ID, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/accounts/"+alice.ID+"/withdrawals", tt.actor,
				account.AmountRequest{Amount: decimal.NewFromInt(10)})
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	w := do(t, router, "GET", "/api/v1/accounts/"+alice.ID+"/withdrawals", bob.ID, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("reading another account's withdrawals: expected 403, got %d", w.Code)
	}
}

func TestRequireActor_ApplyReferralForAnotherAccount(t *testing.T) {
	svc, _, router := newTestEnv(t)
	registerVia(t, router, "admin@example.com") // takes the admin claim
	victim := registerVia(t, router, "victim@example.com")
	mallory := registerVia(t, router, "mallory@example.com")
	code, err := svc.ReferralCode(context.Background(), mallory.ID)
	if err != nil {
		t.Fatalf("referral code: %v", err)
	}

	w := do(t, router, "POST", "/api/v1/accounts/"+victim.ID+"/referrals", mallory.ID,
		account.ApplyReferralRequest{Code: code})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	refs, _ := svc.Referrals(context.Background(), mallory.ID)
	if len(refs) != 0 {
		t.Errorf("referral recorded despite 403: %+v", refs)
	}
}

func TestWithdrawalApprovalFlow(t *testing.T) {
	_, ms, router := newTestEnv(t)
	admin := registerVia(t, router, "admin@example.com")
	user := registerVia(t, router, "user@example.com")

	w := do(t, router, "POST", "/api/v1/accounts/"+user.ID+"/withdrawals", user.ID,
		account.AmountRequest{Amount: decimal.NewFromInt(20000)})
	if w.Code != http.StatusConflict {
		t.Errorf("overdraw request: expected 409, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/accounts/"+user.ID+"/withdrawals", user.ID,
		account.AmountRequest{Amount: decimal.NewFromInt(2500)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var wd model.Withdrawal
	json.NewDecoder(w.Body).Decode(&wd)

	w = do(t, router, "POST", "/api/v1/admin/withdrawals/"+wd.ID+"/approve", user.ID, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("user approving: expected 403, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/admin/withdrawals/"+wd.ID+"/approve", admin.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/admin/withdrawals/"+wd.ID+"/approve", admin.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second approve: expected 409, got %d", w.Code)
	}

	acct, _ := ms.GetAccount(context.Background(), user.ID)
	if !acct.Balance.Equal(decimal.NewFromInt(7500)) {
		t.Errorf("balance = %s, want 7500", acct.Balance)
	}

	w = do(t, router, "GET", "/api/v1/accounts/"+user.ID+"/withdrawals?status=approved", user.ID, nil)
	var list []model.Withdrawal
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 {
		t.Errorf("expected 1 approved withdrawal, got %d", len(list))
	}
}

func TestHandleCreditReferral(t *testing.T) {
	svc, _, router := newTestEnv(t)
	admin := registerVia(t, router, "admin@example.com")
	code, err := svc.ReferralCode(context.Background(), admin.ID)
	if err != nil {
		t.Fatalf("referral code: %v", err)
	}

	w := do(t, router, "POST", "/api/v1/accounts", "",
		account.RegisterRequest{Email: "friend@example.com", ReferralCode: code})
	if w.Code != http.StatusCreated {
		t.Fatalf("register with code: expected 201, got %d", w.Code)
	}
	refs, _ := svc.Referrals(context.Background(), admin.ID)
	if len(refs) != 1 {
		t.Fatalf("expected 1 referral, got %d", len(refs))
	}

	w = do(t, router, "POST", "/api/v1/admin/referrals/"+refs[0].ID+"/credit", admin.ID,
		account.CreditRequest{Bonus: decimal.NewFromInt(25)})
	if w.Code != http.StatusOK {
		t.Fatalf("credit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ref model.Referral
	json.NewDecoder(w.Body).Decode(&ref)
	if ref.Status != model.ReferralCredited {
		t.Errorf("status = %q, want credited", ref.Status)
	}

	w = do(t, router, "POST", "/api/v1/admin/referrals/missing/credit", admin.ID,
		account.CreditRequest{Bonus: decimal.NewFromInt(25)})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing referral: expected 404, got %d", w.Code)
	}
}

func TestHandleAdminDetail(t *testing.T) {
	_, _, router := newTestEnv(t)
	admin := registerVia(t, router, "admin@example.com")

	w := do(t, router, "GET", "/api/v1/admin/accounts/"+admin.ID, admin.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var detail account.Detail
	json.NewDecoder(w.Body).Decode(&detail)
	if detail.Account == nil || detail.Account.ID != admin.ID {
		t.Errorf("unexpected detail %+v", detail)
	}
}
