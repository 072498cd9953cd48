package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/simtrade/ledger-service/internal/model"
	"github.com/simtrade/ledger-service/internal/store"
)

// ActorHeader carries the id of the account making the request. It is set by
// the gateway after authentication.
const ActorHeader = "X-Account-ID"

// maxOwnerBody bounds how much of a request body RequireActor buffers.
const maxOwnerBody = 1 << 20

type actorKey struct{}

// WithActor returns a context carrying the acting account.
func WithActor(ctx context.Context, a *model.Account) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the acting account stored by RequireActor or
// RequireAdmin, if any.
func ActorFrom(ctx context.Context) (*model.Account, bool) {
	a, ok := ctx.Value(actorKey{}).(*model.Account)
	return a, ok
}

// loadActor resolves the ActorHeader account. On failure it has already
// written the 401 or 500 response.
func loadActor(st store.Store, w http.ResponseWriter, r *http.Request) (*model.Account, bool) {
	id := r.Header.Get(ActorHeader)
	if id == "" {
		writeError(w, "missing "+ActorHeader+" header", http.StatusUnauthorized)
		return nil, false
	}
	acct, err := st.GetAccount(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "unknown account", http.StatusUnauthorized)
		return nil, false
	}
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return nil, false
	}
	return acct, true
}

// RequireAdmin rejects requests whose actor is missing (401), unknown (401)
// or not an admin (403). The actor is stored on the request context.
func RequireAdmin(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acct, ok := loadActor(st, w, r)
			if !ok {
				return
			}
			if !acct.IsAdmin() {
				writeError(w, "admin role required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), acct)))
		})
	}
}

// RequireActor restricts a route to the account it acts on. The target is
// the {accountID} path parameter or, on routes without one, the account_id
// field of the JSON body. Admins may act on any account. A missing or
// unknown actor is 401 and a mismatch is 403.
func RequireActor(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acct, ok := loadActor(st, w, r)
			if !ok {
				return
			}

			target := chi.URLParam(r, "accountID")
			if target == "" && r.Body != nil {
				body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOwnerBody))
				if err != nil {
					writeError(w, "invalid request body", http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				// A malformed body is left for the handler to reject.
				var owner struct {
					AccountID string `json:"account_id"`
				}
				if json.Unmarshal(body, &owner) == nil {
					target = owner.AccountID
				}
			}

			if target != "" && target != acct.ID && !acct.IsAdmin() {
				writeError(w, "cannot act on another account", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), acct)))
		})
	}
}
