package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/entrhq/accountforge/pkg/account"
	"github.com/entrhq/accountforge/pkg/engine"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.api.Status(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "accounts": st.Accounts, "workers": st.Workers})
}

func (s *Server) settings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "settings": s.api.Settings()})
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var body engine.SettingsUpdate
	if err := decodeBody(r, &body); err != nil {
		respondFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.api.UpdateSettings(body)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "settings updated", "settings": updated})
}

func (s *Server) emailConfigs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "email_configs": s.api.EmailConfigs()})
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.api.ListAccounts(r.Context(), engine.Filter{
		Status:  q.Get("status"),
		Search:  q.Get("search"),
		Page:    queryInt(q, "page"),
		PerPage: queryInt(q, "per_page"),
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"accounts": page.Accounts,
		"pagination": map[string]int{
			"page":        page.Page,
			"per_page":    page.PerPage,
			"total":       page.Total,
			"total_pages": page.TotalPages,
		},
		"stats": page.Stats,
	})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	v, err := s.api.GetAccount(r.Context(), emailParam(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "account": v})
}

type createBody struct {
	DomainIndex *int   `json:"domain_index"`
	Username    string `json:"username"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := decodeBody(r, &body); err != nil {
		respondFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	req := engine.CreateRequest{DomainIndex: engine.AnyDomain, Username: body.Username}
	if body.DomainIndex != nil {
		req.DomainIndex = *body.DomainIndex
	}

	ref, err := s.api.CreateAccount(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "registration queued", "job": ref})
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.api.DeleteAccount(r.Context(), emailParam(r)); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "account deleted"})
}

func (s *Server) refreshAccount(w http.ResponseWriter, r *http.Request) {
	ref, err := s.api.RefreshAccount(r.Context(), emailParam(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": string(ref.Op) + " queued", "job": ref})
}

func (s *Server) retryAccount(w http.ResponseWriter, r *http.Request) {
	ref, err := s.api.RetryAccount(r.Context(), emailParam(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "retry queued", "job": ref})
}

func (s *Server) stopAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.api.StopAccount(r.Context(), emailParam(r)); err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "job stopped"})
}

func (s *Server) refreshAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.api.RefreshAll(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"success":  true,
		"queued":   res.Queued,
		"skipped":  res.Skipped,
		"rejected": res.Rejected,
	})
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	n := s.api.StopAll(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "stopped": n})
}

// exportAccounts returns the export document bare, as consumers expect it.
func (s *Server) exportAccounts(w http.ResponseWriter, r *http.Request) {
	exp, err := s.api.ExportActiveAccounts(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="accounts.json"`)
	respondJSON(w, http.StatusOK, exp)
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondFailure(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"success": false, "error": message})
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	respondJSON(w, status, map[string]any{"success": false, "error": err.Error(), "kind": account.Kind(err)})
}

// statusFor maps the failure taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, account.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, account.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, account.ErrAlreadyInProgress),
		errors.Is(err, account.ErrInvalidState),
		errors.Is(err, account.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, account.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, account.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func emailParam(r *http.Request) string {
	raw := chi.URLParam(r, "email")
	if email, err := url.PathUnescape(raw); err == nil {
		return email
	}
	return raw
}

func queryInt(q url.Values, key string) int {
	n, err := strconv.Atoi(q.Get(key))
	if err != nil {
		return 0
	}
	return n
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
