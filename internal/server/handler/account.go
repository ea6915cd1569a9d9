package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/router"
)

const (
	symbolPreview  = 20
	inspectTimeout = 10 * time.Second
)

// AccountDirectory lists configured accounts and toggles them at runtime.
type AccountDirectory interface {
	Accounts() []router.AccountStatus
	SetEnabled(accountID string, enabled bool) error
}

// AccountHandler serves account inspection endpoints.
type AccountHandler struct {
	accounts  AccountDirectory
	exchanges domain.ExchangeRegistry
	logger    *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountDirectory, exchanges domain.ExchangeRegistry, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		exchanges: exchanges,
		logger:    logHandler(logger, "accounts"),
	}
}

type accountView struct {
	router.AccountStatus
	Balances []domain.Balance `json:"balances,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func (h *AccountHandler) inspector(accountID string) (domain.AccountInspector, error) {
	a, err := h.exchanges.Adapter(accountID)
	if err != nil {
		return nil, err
	}
	in, ok := a.(domain.AccountInspector)
	if !ok {
		return nil, domain.ErrUnsupported
	}
	return in, nil
}

// ListAccounts returns every configured account with balances where the
// exchange adapter can report them.
// GET /api/accounts
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), inspectTimeout)
	defer cancel()

	accounts := h.accounts.Accounts()
	out := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		v := accountView{AccountStatus: acc}
		in, err := h.inspector(acc.Name)
		if err == nil {
			v.Balances, err = in.Balances(ctx)
		}
		if err != nil && !errors.Is(err, domain.ErrUnsupported) {
			v.Error = err.Error()
			h.logger.WarnContext(ctx, "balances unavailable",
				slog.String("account", acc.Name),
				slog.String("error", err.Error()),
			)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// ListSymbols returns up to 20 tradable symbols per account.
// GET /api/symbols
func (h *AccountHandler) ListSymbols(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), inspectTimeout)
	defer cancel()

	type symbolsView struct {
		Symbols []string `json:"symbols"`
		Total   int      `json:"total"`
		Error   string   `json:"error,omitempty"`
	}
	out := make(map[string]symbolsView)
	for _, acc := range h.accounts.Accounts() {
		in, err := h.inspector(acc.Name)
		var symbols []string
		if err == nil {
			symbols, err = in.Symbols(ctx)
		}
		if err != nil {
			out[acc.Name] = symbolsView{Symbols: []string{}, Error: err.Error()}
			continue
		}
		v := symbolsView{Symbols: symbols, Total: len(symbols)}
		if len(v.Symbols) > symbolPreview {
			v.Symbols = v.Symbols[:symbolPreview]
		}
		if v.Symbols == nil {
			v.Symbols = []string{}
		}
		out[acc.Name] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// EnableAccount turns routing on for an account.
// POST /api/accounts/{name}/enable
func (h *AccountHandler) EnableAccount(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableAccount stops routing signals to an account. Open positions stay
// tracked and still receive exits sent with an explicit account_profile.
// POST /api/accounts/{name}/disable
func (h *AccountHandler) DisableAccount(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *AccountHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := pathParam(r, "name")
	if err := h.accounts.SetEnabled(name, enabled); err != nil {
		if errors.Is(err, domain.ErrUnknownAccount) {
			writeError(w, http.StatusNotFound, "unknown account")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "account toggled",
		slog.String("account", name),
		slog.Bool("enabled", enabled),
	)
	writeJSON(w, http.StatusOK, map[string]any{"account": name, "enabled": enabled})
}
