package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"inbox-watcher/internal/config"
	"inbox-watcher/internal/models"
	"inbox-watcher/internal/services/notify"
	"inbox-watcher/internal/services/poller"
)

const defaultNotificationLimit = 20

// SinkBuilder assembles the delivery pipeline of an account.
type SinkBuilder func(account config.AccountConfig) models.Sink

// AccountForgetter drops per-account state when an account is removed.
type AccountForgetter interface {
	Forget(accountID string)
}

type AccountHandler struct {
	store      *config.Store
	supervisor *poller.Supervisor
	feed       *notify.Feed
	buildSink  SinkBuilder
	forgetters []AccountForgetter
	logger     *zap.Logger
}

func NewAccountHandler(store *config.Store, supervisor *poller.Supervisor, feed *notify.Feed, buildSink SinkBuilder, logger *zap.Logger, forgetters ...AccountForgetter) *AccountHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountHandler{
		store:      store,
		supervisor: supervisor,
		feed:       feed,
		buildSink:  buildSink,
		forgetters: append([]AccountForgetter{feed}, forgetters...),
		logger:     logger,
	}
}

// Register mounts the account API on router.
func (h *AccountHandler) Register(router *mux.Router) {
	router.HandleFunc("/healthz", h.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/accounts", h.HandleList).Methods(http.MethodGet)
	router.HandleFunc("/api/accounts/{id}", h.HandleUpdate).Methods(http.MethodPatch)
	router.HandleFunc("/api/accounts/{id}", h.HandleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/api/accounts/{id}/check", h.HandleCheck).Methods(http.MethodPost)
	router.HandleFunc("/api/accounts/{id}/start", h.HandleStart).Methods(http.MethodPost)
	router.HandleFunc("/api/accounts/{id}/stop", h.HandleStop).Methods(http.MethodPost)
	router.HandleFunc("/api/accounts/{id}/notifications", h.HandleNotifications).Methods(http.MethodGet)
}

type accountView struct {
	ID       string         `json:"id"`
	Protocol string         `json:"protocol"`
	Host     string         `json:"host"`
	Username string         `json:"username"`
	Enabled  bool           `json:"enabled"`
	Running  bool           `json:"running"`
	Status   *poller.Status `json:"status,omitempty"`
}

type checkResponse struct {
	Success      bool                      `json:"success"`
	NewEmails    []models.MessageCandidate `json:"newEmails"`
	TotalChecked int                       `json:"totalChecked"`
	Warning      string                    `json:"warning,omitempty"`
}

func (h *AccountHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// accountSettings are the polling parameters that can be changed while an
// account is stopped. Durations use Go syntax, e.g. "45s".
type accountSettings struct {
	Mailbox         *string `json:"mailbox"`
	Enabled         *bool   `json:"enabled"`
	PollingInterval string  `json:"polling_interval"`
	SeenSetCapacity *int    `json:"seen_set_capacity"`
	FetchTimeout    string  `json:"fetch_timeout"`
	MaxFetch        *int    `json:"max_fetch"`
}

func (s accountSettings) apply(account *config.AccountConfig) error {
	if s.Mailbox != nil {
		account.Mailbox = *s.Mailbox
	}
	if s.Enabled != nil {
		enabled := *s.Enabled
		account.Enabled = &enabled
	}
	if s.PollingInterval != "" {
		d, err := time.ParseDuration(s.PollingInterval)
		if err != nil {
			return fmt.Errorf("polling_interval: %w", err)
		}
		account.PollingInterval = d
	}
	if s.SeenSetCapacity != nil {
		account.SeenSetCapacity = *s.SeenSetCapacity
	}
	if s.FetchTimeout != "" {
		d, err := time.ParseDuration(s.FetchTimeout)
		if err != nil {
			return fmt.Errorf("fetch_timeout: %w", err)
		}
		account.FetchTimeout = d
	}
	if s.MaxFetch != nil {
		account.MaxFetch = *s.MaxFetch
	}
	return nil
}

func (h *AccountHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defaults := h.store.Defaults()
	accounts := h.store.Accounts()

	statuses := make(map[string]poller.Status)
	for _, st := range h.supervisor.Statuses() {
		statuses[st.AccountID] = st
	}

	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		var status *poller.Status
		if st, ok := statuses[a.ID]; ok {
			status = &st
		}
		views = append(views, h.view(a.Account(defaults), status))
	}
	h.writeJSON(w, http.StatusOK, views)
}

// HandleUpdate changes the polling parameters of a stopped account and
// persists them. Already seen messages are kept.
func (h *AccountHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	accountCfg, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.supervisor.Running(accountCfg.ID) {
		h.writeError(w, http.StatusConflict, poller.ErrAccountRunning.Error())
		return
	}

	var settings accountSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := settings.apply(&accountCfg); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Put(accountCfg); err != nil {
		if models.IsConfigurationError(err) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to save account", zap.String("account", accountCfg.ID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	account := accountCfg.Account(h.store.Defaults())
	err := h.supervisor.Update(account)
	switch {
	case err == nil, errors.Is(err, poller.ErrUnknownAccount):
	case errors.Is(err, poller.ErrAccountRunning):
		h.writeError(w, http.StatusConflict, err.Error())
		return
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("Updated account", zap.String("account", account.ID))
	var status *poller.Status
	if st, ok := h.supervisor.Status(account.ID); ok {
		status = &st
	}
	h.writeJSON(w, http.StatusOK, h.view(account, status))
}

// HandleDelete stops polling the account, removes it from the configuration
// and drops its seen messages, notifications and metrics.
func (h *AccountHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	accountCfg, ok := h.lookup(w, r)
	if !ok {
		return
	}
	id := accountCfg.ID

	if handle := h.supervisor.StopAccount(id); handle != nil {
		select {
		case <-handle.Done():
		case <-r.Context().Done():
		}
	}

	if err := h.store.Delete(id); err != nil {
		if errors.Is(err, config.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "account not found: "+id)
			return
		}
		h.logger.Error("Failed to remove account", zap.String("account", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.supervisor.Remove(id); err != nil && !errors.Is(err, poller.ErrUnknownAccount) {
		h.logger.Warn("Failed to drop account engine", zap.String("account", id), zap.Error(err))
	}
	for _, f := range h.forgetters {
		f.Forget(id)
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// HandleCheck runs one poll cycle on demand and returns the new messages.
func (h *AccountHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	accountCfg, ok := h.lookup(w, r)
	if !ok {
		return
	}
	account := accountCfg.Account(h.store.Defaults())

	// delivery outlives the request once messages are marked seen
	result, err := h.supervisor.PollOnce(r.Context(), account)
	switch {
	case err == nil:
	case models.IsDeliveryError(err) && result != nil:
		h.logger.Warn("Checked emails but delivery failed",
			zap.String("account", account.ID),
			zap.Error(err))
		h.writeJSON(w, http.StatusOK, checkResponse{
			Success:      true,
			NewEmails:    nonNil(result.Messages),
			TotalChecked: result.SeenCount,
			Warning:      err.Error(),
		})
		return
	case models.IsConfigurationError(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case models.IsFetchError(err):
		h.logger.Error("Failed to check emails", zap.String("account", account.ID), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "Failed to check emails: "+err.Error())
		return
	case errors.Is(err, poller.ErrSupervisorClose):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		h.logger.Error("Failed to check emails", zap.String("account", account.ID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to check emails: "+err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, checkResponse{
		Success:      true,
		NewEmails:    nonNil(result.Messages),
		TotalChecked: result.SeenCount,
	})
}

func (h *AccountHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	accountCfg, ok := h.lookup(w, r)
	if !ok {
		return
	}
	account := accountCfg.Account(h.store.Defaults())

	handle, err := h.supervisor.Start(account, h.buildSink(accountCfg), account.PollInterval)
	switch {
	case err == nil:
	case errors.Is(err, poller.ErrAlreadyRunning):
		h.writeError(w, http.StatusConflict, err.Error())
		return
	case models.IsConfigurationError(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, poller.ErrSupervisorClose):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"handle": handle.ID,
	})
}

func (h *AccountHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	accountCfg, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.supervisor.StopAccount(accountCfg.ID)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *AccountHandler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	accountCfg, ok := h.lookup(w, r)
	if !ok {
		return
	}

	limit := defaultNotificationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	h.writeJSON(w, http.StatusOK, h.feed.Recent(accountCfg.ID, limit))
}

func (h *AccountHandler) view(account models.Account, status *poller.Status) accountView {
	return accountView{
		ID:       account.ID,
		Protocol: account.Protocol,
		Host:     account.Host,
		Username: account.Username,
		Enabled:  account.Enabled,
		Running:  h.supervisor.Running(account.ID),
		Status:   status,
	}
}

func (h *AccountHandler) lookup(w http.ResponseWriter, r *http.Request) (config.AccountConfig, bool) {
	id := mux.Vars(r)["id"]
	account, ok := h.store.Account(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "account not found: "+id)
		return config.AccountConfig{}, false
	}
	return account, true
}

func (h *AccountHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *AccountHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func nonNil(messages []models.MessageCandidate) []models.MessageCandidate {
	if messages == nil {
		return []models.MessageCandidate{}
	}
	return messages
}
