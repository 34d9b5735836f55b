package deviceflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/wrale/copilot-auth-proxy/internal/oauth"
)

// scripted is one canned HTTP response
type scripted struct {
	status int
	body   string
}

// fakeAuthServer plays the authorization server: a device code endpoint and
// a token endpoint answering from a script (the last entry repeats)
type fakeAuthServer struct {
	mu sync.Mutex

	device      scripted
	tokenScript []scripted

	deviceForms []url.Values
	tokenForms  []url.Values

	srv *httptest.Server
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	f := &fakeAuthServer{
		device: scripted{
			status: http.StatusOK,
			body:   `{"device_code":"D1","user_code":"ABCD-1234","verification_uri":"https://github.com/login/device","expires_in":900,"interval":5}`,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login/device/code", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing device form: %v", err)
		}
		f.mu.Lock()
		f.deviceForms = append(f.deviceForms, r.PostForm)
		resp := f.device
		f.mu.Unlock()
		writeScripted(w, resp)
	})
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing token form: %v", err)
		}
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, r.PostForm)
		n := len(f.tokenForms)
		resp := scripted{status: http.StatusOK, body: `{"error":"authorization_pending"}`}
		if len(f.tokenScript) > 0 {
			idx := n - 1
			if idx >= len(f.tokenScript) {
				idx = len(f.tokenScript) - 1
			}
			resp = f.tokenScript[idx]
		}
		f.mu.Unlock()
		writeScripted(w, resp)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeScripted(w http.ResponseWriter, s scripted) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(s.status)
	_, _ = w.Write([]byte(s.body))
}

func (f *fakeAuthServer) deviceURL() string { return f.srv.URL + "/login/device/code" }
func (f *fakeAuthServer) tokenURL() string  { return f.srv.URL + "/login/oauth/access_token" }

func (f *fakeAuthServer) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokenForms)
}

func (f *fakeAuthServer) deviceRequests() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.deviceForms...)
}

func (f *fakeAuthServer) tokenRequests() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.tokenForms...)
}

func (f *fakeAuthServer) script(responses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, body := range responses {
		f.tokenScript = append(f.tokenScript, scripted{status: http.StatusOK, body: body})
	}
}

// waitRecorder replaces the poll sleep and records requested intervals
type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waits = append(w.waits, d)
	return nil
}

func (w *waitRecorder) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

func newTestClient(w *waitRecorder, opts ...Option) *Client {
	return NewClient(append([]Option{withWait(w.wait)}, opts...)...)
}

// fakeExchanger records credentials and returns a canned session token
type fakeExchanger struct {
	mu          sync.Mutex
	credentials []string
	token       *oauth.SessionToken
	err         error
}

func (e *fakeExchanger) Exchange(ctx context.Context, credential string) (*oauth.SessionToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.credentials = append(e.credentials, credential)
	if e.err != nil {
		return nil, e.err
	}
	return e.token.Clone(), nil
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

var errBoom = errors.New("boom")
