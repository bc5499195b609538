package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"zenflow/internal/analytics"
	"zenflow/internal/model"
	"zenflow/internal/store"
)

const adminSubject = "admin"

// IssueAdminToken signs an HS256 bearer token for the admin API.
func IssueAdminToken(secret string, now time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("admin jwt secret is empty")
	}
	claims := jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		var claims jwt.RegisteredClaims
		token, err := jwt.ParseWithClaims(parts[1], &claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.opts.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.opts.Clock.Now))
		if err != nil || !token.Valid || claims.Subject != adminSubject {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accountStatus is the admin view of an account. It never carries credentials.
type accountStatus struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	Connected      bool       `json:"connected"`
	NeedsReconnect bool       `json:"needs_reconnect"`
	CredentialKind string     `json:"credential_kind,omitempty"`
	Plan           string     `json:"plan"`
	FreeTokens     int        `json:"free_tokens"`
	PaidTokens     int        `json:"paid_tokens"`
	TokensResetAt  *time.Time `json:"tokens_reset_at,omitempty"`
	Rule           *ruleBody  `json:"rule,omitempty"`
}

type ruleBody struct {
	WakeWord string `json:"wake_word"`
	Script   string `json:"script"`
	Link     string `json:"link"`
	Active   bool   `json:"active"`
}

func statusOf(a model.Account) accountStatus {
	return accountStatus{
		ID:             a.ID,
		Username:       a.Username,
		Connected:      a.HasCredential(),
		NeedsReconnect: a.NeedsReconnect,
		CredentialKind: string(a.CredentialKind),
		Plan:           a.Plan,
		FreeTokens:     a.FreeTokens,
		PaidTokens:     a.PaidTokens,
		TokensResetAt:  a.TokensResetAt,
	}
}

func accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad account id")
		return 0, false
	}
	return id, true
}

func storeStatus(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	a, err := s.opts.Ledger.Balance(r.Context(), id)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	st := statusOf(a)
	if rule, err := s.opts.Store.GetRule(r.Context(), id); err == nil {
		st.Rule = &ruleBody{WakeWord: rule.WakeWord, Script: rule.Script, Link: rule.Link, Active: rule.Active}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "bad window")
			return
		}
		window = d
	}
	entries, err := s.opts.Store.ListActivity(r.Context(), id, s.opts.Clock.Now().Add(-window))
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	hourly := analytics.HourlyActivity(entries)
	type bucket struct {
		Hour    time.Time      `json:"hour"`
		Actions map[string]int `json:"actions"`
	}
	buckets := make([]bucket, 0, len(hourly))
	for _, k := range analytics.SortedBucketKeys(hourly) {
		buckets = append(buckets, bucket{Hour: k, Actions: hourly[k]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": analytics.Totals(entries), "hourly": buckets})
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var body struct {
		Tokens int `json:"tokens"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil || body.Tokens <= 0 {
		writeError(w, http.StatusBadRequest, "tokens must be a positive integer")
		return
	}
	a, err := s.opts.Ledger.Grant(r.Context(), id, body.Tokens)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusOf(a))
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	if _, err := s.opts.Store.GetAccount(r.Context(), id); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	var body ruleBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad rule body")
		return
	}
	rule := model.AutomationRule{AccountID: id, WakeWord: body.WakeWord, Script: body.Script, Link: body.Link, Active: body.Active}
	rule.Normalize()
	if err := s.opts.Store.SaveRule(r.Context(), rule); err != nil {
		var invalid model.ErrInvalidRule
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ruleBody{WakeWord: rule.WakeWord, Script: rule.Script, Link: rule.Link, Active: rule.Active})
}

func (s *Server) mediaCap(plan string) int {
	if s.opts.MediaCap == nil {
		return 0
	}
	return s.opts.MediaCap(plan)
}

func (s *Server) writeMedia(w http.ResponseWriter, r *http.Request, a model.Account) {
	ids, err := s.opts.Store.ListActiveMedia(r.Context(), a.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": ids, "limit": s.mediaCap(a.Plan)})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	a, err := s.opts.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	s.writeMedia(w, r, a)
}

func (s *Server) handleSetMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	a, err := s.opts.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad media body")
		return
	}
	mediaID := chi.URLParam(r, "media")
	if body.Active {
		err = s.opts.Store.ActivateMedia(r.Context(), id, mediaID, s.mediaCap(a.Plan))
	} else {
		err = s.opts.Store.DeactivateMedia(r.Context(), id, mediaID)
	}
	if errors.Is(err, store.ErrMediaLimit) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	s.writeMedia(w, r, a)
}
