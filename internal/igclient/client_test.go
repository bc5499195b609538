package igclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// helper to create a doer with fast backoff
func newTestDoer(hc *http.Client) doer {
	d := newDoer(hc)
	d.maxAttempts = 3
	d.baseBackoff = 10 * time.Millisecond
	return d
}

func TestDoWithRetryHandles429(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	d := newTestDoer(ts.Client())
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	resp, err := d.doWithRetry(context.Background(), req, "/test")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestDoWithRetryDoesNotRepeatPostOn5xx(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	d := newTestDoer(ts.Client())
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/c", strings.NewReader("message=hi"))
	resp, err := d.doWithRetry(context.Background(), req, "/c")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if attempts != 1 {
		t.Fatalf("post must not be repeated on 5xx, got %d attempts", attempts)
	}
}

func TestDoWithRetryReplaysBody(t *testing.T) {
	var bodies []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		bodies = append(bodies, r.PostForm.Get("message"))
		if len(bodies) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := newTestDoer(ts.Client())
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/c", strings.NewReader("message=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := d.doWithRetry(context.Background(), req, "/c")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(bodies) != 2 || bodies[1] != "hi" {
		t.Fatalf("body not replayed: %v", bodies)
	}
}

func TestClassifyMobile(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{400, `{"message":"","two_factor_required":true,"two_factor_info":{"two_factor_identifier":"abc"}}`, KindTwoFactorRequired},
		{400, `{"message":"The password you entered is incorrect.","error_type":"bad_password"}`, KindInvalidCredentials},
		{400, `{"message":"user not found","error_type":"invalid_user"}`, KindInvalidCredentials},
		{400, `{"message":"challenge_required"}`, KindChallengeRequired},
		{400, `{"message":"checkpoint_required"}`, KindChallengeRequired},
		{429, `{}`, KindRateLimited},
		{400, `{"message":"Please wait a few minutes before you try again."}`, KindRateLimited},
		{400, `{"error_type":"rate_limit_error"}`, KindRateLimited},
		{503, `oops`, KindTransient},
		{400, `{"message":"something new"}`, KindUnknown},
	}
	for _, c := range cases {
		got := classifyMobile(c.status, []byte(c.body))
		if got.Kind != c.want {
			t.Fatalf("%d %s: got %s want %s", c.status, c.body, got.Kind, c.want)
		}
	}
	if e := classifyMobile(400, []byte(cases[0].body)); e.TwoFactorID != "abc" {
		t.Fatalf("two factor id lost: %+v", e)
	}
}

func TestClassifyGraph(t *testing.T) {
	if k := classifyGraph(400, []byte(`{"error":{"message":"expired","code":190}}`)).Kind; k != KindTokenExpired {
		t.Fatalf("190: %s", k)
	}
	if k := classifyGraph(400, []byte(`{"error":{"code":4}}`)).Kind; k != KindRateLimited {
		t.Fatalf("code 4: %s", k)
	}
	if k := classifyGraph(500, nil).Kind; k != KindTransient {
		t.Fatalf("500: %s", k)
	}
	if k := classifyGraph(400, []byte(`{"error":{"code":100}}`)).Kind; k != KindUnknown {
		t.Fatalf("100: %s", k)
	}
}
