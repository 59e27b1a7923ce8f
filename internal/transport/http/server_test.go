package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/m2m"
)

// fakeProcessor records the last request and answers with a canned
// response.
type fakeProcessor struct {
	last *m2m.Request
	rsp  *m2m.Response
}

func (f *fakeProcessor) Process(req *m2m.Request) *m2m.Response {
	f.last = req
	if f.rsp != nil {
		f.rsp.RQI = req.RQI
		return f.rsp
	}
	return &m2m.Response{RSC: m2m.RSCOK, RQI: req.RQI}
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *fakeProcessor) {
	t.Helper()
	proc := &fakeProcessor{}
	srv := NewServer(cfg, proc, nil, nil, zerolog.Nop())
	return srv, proc
}

func TestCreateRequestMapping(t *testing.T) {
	srv, proc := newTestServer(t, ServerConfig{Port: "0"})

	body := `{"m2m:ae":{"rn":"ae1","api":"N.a","rr":false}}`
	req := httptest.NewRequest(http.MethodPost, "/cse-in", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json;ty=2")
	req.Header.Set("X-M2M-Origin", "Cae")
	req.Header.Set("X-M2M-RI", "req1")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if proc.last == nil {
		t.Fatal("processor not called")
	}
	if proc.last.Op != m2m.OpCreate || proc.last.Ty != m2m.AE {
		t.Fatalf("op/ty = %d/%d", proc.last.Op, proc.last.Ty)
	}
	if proc.last.To != "cse-in" || proc.last.From != "Cae" || proc.last.RQI != "req1" {
		t.Fatalf("envelope = %+v", proc.last)
	}
	if _, ok := proc.last.PC["m2m:ae"]; !ok {
		t.Fatalf("pc = %v", proc.last.PC)
	}
	if got := rec.Header().Get("X-M2M-RSC"); got != "2000" {
		t.Fatalf("rsc header = %q", got)
	}
}

func TestCreateWithoutTypeFails(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{Port: "0"})

	req := httptest.NewRequest(http.MethodPost, "/cse-in", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-M2M-RSC"); got != "4000" {
		t.Fatalf("rsc header = %q", got)
	}
}

func TestRetrieveAndStatusMapping(t *testing.T) {
	srv, proc := newTestServer(t, ServerConfig{Port: "0"})
	proc.rsp = &m2m.Response{RSC: m2m.RSCNotFound}

	req := httptest.NewRequest(http.MethodGet, "/cse-in/missing", nil)
	req.Header.Set("X-M2M-Origin", "Cae")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if proc.last.Op != m2m.OpRetrieve {
		t.Fatalf("op = %d", proc.last.Op)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDiscoveryQueryMapping(t *testing.T) {
	srv, proc := newTestServer(t, ServerConfig{Port: "0"})

	req := httptest.NewRequest(http.MethodGet, "/cse-in?fu=1&ty=3&lim=5&lbl=tag", nil)
	req.Header.Set("X-M2M-Origin", "Cae")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if proc.last.Op != m2m.OpDiscovery {
		t.Fatalf("op = %d", proc.last.Op)
	}
	fc := proc.last.FC
	if fc == nil || fc.FilterUsage != 1 || fc.Limit != 5 {
		t.Fatalf("fc = %+v", fc)
	}
	if len(fc.Ty) != 1 || fc.Ty[0] != m2m.CNT {
		t.Fatalf("fc.ty = %v", fc.Ty)
	}
	if len(fc.Labels) != 1 || fc.Labels[0] != "tag" {
		t.Fatalf("fc.lbl = %v", fc.Labels)
	}
}

func TestSPRelativePathSpelling(t *testing.T) {
	srv, proc := newTestServer(t, ServerConfig{Port: "0"})

	req := httptest.NewRequest(http.MethodGet, "/~/id-in/abc", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if proc.last.To != "/id-in/abc" {
		t.Fatalf("to = %q", proc.last.To)
	}
}

func TestRequestIDGeneratedWhenAbsent(t *testing.T) {
	srv, proc := newTestServer(t, ServerConfig{Port: "0"})

	req := httptest.NewRequest(http.MethodGet, "/cse-in", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if proc.last.RQI == "" {
		t.Fatal("rqi not generated")
	}
	if rec.Header().Get("X-M2M-RI") != proc.last.RQI {
		t.Fatal("rqi not echoed")
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, proc := newTestServer(t, ServerConfig{
		Port:     "0",
		AuthMode: "apikey",
		APIKeys:  map[string]string{"secret-key": "Cae"},
	})

	// Without a key the request is rejected.
	req := httptest.NewRequest(http.MethodGet, "/cse-in", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d", rec.Code)
	}

	// With the key the originator is bound from the key table.
	req = httptest.NewRequest(http.MethodGet, "/cse-in", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	if rec.Code == http.StatusUnauthorized {
		t.Fatal("valid key rejected")
	}
	if proc.last.From != "Cae" {
		t.Fatalf("originator = %q", proc.last.From)
	}

	// A mismatching explicit originator is refused.
	req = httptest.NewRequest(http.MethodGet, "/cse-in", nil)
	req.Header.Set("X-API-Key", "secret-key")
	req.Header.Set("X-M2M-Origin", "Cother")
	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("mismatch status = %d", rec.Code)
	}
}

func TestHealthEndpointBypassesAuth(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{
		Port:     "0",
		AuthMode: "apikey",
		APIKeys:  map[string]string{},
	})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}
