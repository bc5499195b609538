package igclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"zenflow/internal/config"
)

// Emulated Galaxy S10 for the private mobile API.
const mobileUserAgent = "Instagram 270.0.0.12.117 Android (29/10; 640dpi; 1440x2612; samsung; SM-G975F; SM-G975F; exynos9820; en_US; 332525302)"

// LoginRequest is one direct login attempt.
type LoginRequest struct {
	Username string
	Password string
	// TwoFactorCode completes a login that requires a second factor.
	TwoFactorCode string
	// ProxyURL routes this attempt only. Empty means direct egress.
	ProxyURL string
}

// MobileClient performs username/password logins against the private API.
type MobileClient struct {
	baseURL string
	timeout time.Duration
}

func NewMobileClient(cfg config.InstagramConfig) *MobileClient {
	base := strings.TrimRight(cfg.MobileBaseURL, "/")
	if base == "" {
		base = "https://i.instagram.com/api/v1"
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &MobileClient{baseURL: base, timeout: timeout}
}

// device identifiers are generated per login like a fresh install.
type device struct {
	uuid     string
	phoneID  string
	deviceID string
}

func newDevice() device {
	id := uuid.New()
	return device{
		uuid:     id.String(),
		phoneID:  uuid.NewString(),
		deviceID: "android-" + strings.ReplaceAll(id.String(), "-", "")[:16],
	}
}

func (m *MobileClient) httpClient(proxyURL string) (*http.Client, error) {
	tr := &http.Transport{}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil || u.Host == "" {
			return nil, &Error{Kind: KindUnknown, Message: "invalid proxy address", Err: err}
		}
		tr.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Timeout: m.timeout, Transport: tr}, nil
}

func (m *MobileClient) newRequest(ctx context.Context, method, path string, form url.Values, dev device, auth string) (*http.Request, error) {
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, m.baseURL+path, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, m.baseURL+path, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", mobileUserAgent)
	req.Header.Set("X-IG-App-ID", "567067343352427")
	req.Header.Set("X-IG-Device-ID", dev.uuid)
	req.Header.Set("X-IG-Android-ID", dev.deviceID)
	req.Header.Set("Accept-Language", "en-US")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req, nil
}

func signedBody(payload map[string]string) url.Values {
	b, _ := json.Marshal(payload)
	return url.Values{"signed_body": {"SIGNATURE." + string(b)}}
}

type loginResponse struct {
	LoggedInUser struct {
		PK       json.Number `json:"pk"`
		Username string      `json:"username"`
	} `json:"logged_in_user"`
	Status string `json:"status"`
}

// Login authenticates once. Failures are *Error with a classified Kind.
// A TwoFactorRequired reply is completed in the same call when a code is given.
func (m *MobileClient) Login(ctx context.Context, lr LoginRequest) (Session, error) {
	hc, err := m.httpClient(lr.ProxyURL)
	if err != nil {
		return nil, err
	}
	d := doer{httpClient: hc, maxAttempts: 1}
	dev := newDevice()
	payload := map[string]string{
		"username":            lr.Username,
		"enc_password":        fmt.Sprintf("#PWD_INSTAGRAM:0:%d:%s", time.Now().Unix(), lr.Password),
		"guid":                dev.uuid,
		"phone_id":            dev.phoneID,
		"device_id":           dev.deviceID,
		"login_attempt_count": "0",
	}
	req, err := m.newRequest(ctx, http.MethodPost, "/accounts/login/", signedBody(payload), dev, "")
	if err != nil {
		return nil, err
	}
	resp, body, err := m.send(ctx, d, req, "/accounts/login")
	if err != nil {
		var igErr *Error
		if !errors.As(err, &igErr) || igErr.Kind != KindTwoFactorRequired || lr.TwoFactorCode == "" {
			return nil, err
		}
		payload := map[string]string{
			"username":              lr.Username,
			"verification_code":     lr.TwoFactorCode,
			"two_factor_identifier": igErr.TwoFactorID,
			"guid":                  dev.uuid,
			"device_id":             dev.deviceID,
			"verification_method":   "1",
			"trust_this_device":     "1",
		}
		req, err = m.newRequest(ctx, http.MethodPost, "/accounts/two_factor_login/", signedBody(payload), dev, "")
		if err != nil {
			return nil, err
		}
		resp, body, err = m.send(ctx, d, req, "/accounts/two_factor_login")
		if err != nil {
			return nil, err
		}
	}
	var lresp loginResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&lresp); err != nil || lresp.LoggedInUser.PK.String() == "" {
		return nil, &Error{Kind: KindUnknown, Message: "unexpected login response", Err: err}
	}
	auth := resp.Header.Get("ig-set-authorization")
	return &mobileSession{
		m:      m,
		d:      doer{httpClient: hc, maxAttempts: getEnvInt("IG_API_MAX_ATTEMPTS", 4), baseBackoff: 500 * time.Millisecond, limiter: newDefaultLimiter()},
		dev:    dev,
		auth:   auth,
		userID: lresp.LoggedInUser.PK.String(),
	}, nil
}

// send returns the response and body of a 2xx reply.
func (m *MobileClient) send(ctx context.Context, d doer, req *http.Request, endpoint string) (*http.Response, []byte, error) {
	resp, err := d.doWithRetry(ctx, req, endpoint)
	if err != nil {
		return nil, nil, transportError(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, transportError(err)
	}
	if resp.StatusCode >= 400 {
		return resp, nil, classifyMobile(resp.StatusCode, b)
	}
	return resp, b, nil
}

type mobileSession struct {
	m      *MobileClient
	d      doer
	dev    device
	auth   string
	userID string
}

func (s *mobileSession) UserID() string { return s.userID }

func (s *mobileSession) call(ctx context.Context, method, path string, form url.Values, endpoint string, out any) error {
	req, err := s.m.newRequest(ctx, method, path, form, s.dev, s.auth)
	if err != nil {
		return err
	}
	body, err := s.d.do(ctx, req, endpoint, classifyMobile)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &Error{Kind: KindUnknown, Message: "decode " + endpoint, Err: err}
	}
	return nil
}

func (s *mobileSession) ListMedia(ctx context.Context, limit int) ([]Media, error) {
	var raw struct {
		Items []struct {
			ID      string `json:"id"`
			Code    string `json:"code"`
			TakenAt int64  `json:"taken_at"`
			Caption *struct {
				Text string `json:"text"`
			} `json:"caption"`
		} `json:"items"`
	}
	path := "/feed/user/" + url.PathEscape(s.userID) + "/?count=" + strconv.Itoa(clamp(limit, 1, 50))
	if err := s.call(ctx, http.MethodGet, path, nil, "/feed/user", &raw); err != nil {
		return nil, err
	}
	out := make([]Media, 0, len(raw.Items))
	for _, it := range raw.Items {
		md := Media{ID: it.ID, Timestamp: time.Unix(it.TakenAt, 0).UTC()}
		if it.Caption != nil {
			md.Caption = it.Caption.Text
		}
		if it.Code != "" {
			md.Permalink = "https://www.instagram.com/p/" + it.Code + "/"
		}
		out = append(out, md)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mobileSession) ListComments(ctx context.Context, mediaID string) ([]Comment, error) {
	var raw struct {
		Comments []struct {
			PK        json.Number `json:"pk"`
			Text      string      `json:"text"`
			CreatedAt int64       `json:"created_at"`
			User      struct {
				Username string `json:"username"`
			} `json:"user"`
		} `json:"comments"`
	}
	if err := s.call(ctx, http.MethodGet, "/media/"+url.PathEscape(mediaID)+"/comments/", nil, "/media/comments", &raw); err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(raw.Comments))
	for _, c := range raw.Comments {
		out = append(out, Comment{
			ID:        c.PK.String(),
			Text:      c.Text,
			Username:  c.User.Username,
			Timestamp: time.Unix(c.CreatedAt, 0).UTC(),
		})
	}
	return out, nil
}

func (s *mobileSession) PostComment(ctx context.Context, mediaID, text string) error {
	form := signedBody(map[string]string{
		"comment_text": text,
		"_uuid":        s.dev.uuid,
		"device_id":    s.dev.deviceID,
	})
	return s.call(ctx, http.MethodPost, "/media/"+url.PathEscape(mediaID)+"/comment/", form, "/media/comment", nil)
}
