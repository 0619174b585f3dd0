package supervisor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"stream-keeper/internal/stream"
)

func newTestRouter(t *testing.T, limit func(http.Handler) http.Handler) (*chi.Mux, *fixture) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.svc, f.svc.log)
	r := chi.NewRouter()
	h.Register(r, limit)
	return r, f
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_AddStream(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	rec := do(r, http.MethodPost, "/streams", `{"id":"front","url":"`+frontURL+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/streams/front" {
		t.Errorf("Location = %q", loc)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.ID != "front" || st.URL != frontURL {
		t.Errorf("unexpected status %+v", st)
	}

	rec = do(r, http.MethodPost, "/streams", `{"id":"front","url":"`+garageURL+`"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", rec.Code)
	}
}

func TestHandler_AddStream_bad_request(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	for _, body := range []string{"not json", `{"id":"front","url":"ftp-ish"}`} {
		rec := do(r, http.MethodPost, "/streams", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandler_GetStream(t *testing.T) {
	r, f := newTestRouter(t, nil)
	_, _ = f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	f.waitReady("front")

	rec := do(r, http.MethodGet, "/streams/front", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var st Status
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if !st.Ready || st.Connection.State != stream.StatePlaying {
		t.Errorf("expected ready and playing, got %+v", st)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"state":"playing"`)) {
		t.Errorf("state should be encoded by name: %s", rec.Body.String())
	}

	rec = do(r, http.MethodGet, "/streams/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListStreams(t *testing.T) {
	r, f := newTestRouter(t, nil)
	_, _ = f.svc.Add(StreamConfig{ID: "garage", URL: garageURL})
	_, _ = f.svc.Add(StreamConfig{ID: "front", URL: frontURL})

	rec := do(r, http.MethodGet, "/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []Status
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].ID != "front" || list[1].ID != "garage" {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestHandler_RemoveStream(t *testing.T) {
	r, f := newTestRouter(t, nil)
	_, _ = f.svc.Add(StreamConfig{ID: "front", URL: frontURL})

	if rec := do(r, http.MethodDelete, "/streams/front", ""); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec := do(r, http.MethodDelete, "/streams/front", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ReconnectAndSwitch(t *testing.T) {
	r, f := newTestRouter(t, nil)
	_, _ = f.svc.Add(StreamConfig{ID: "front", URL: frontURL})
	f.waitReady("front")

	if rec := do(r, http.MethodPost, "/streams/front/reconnect", ""); rec.Code != http.StatusAccepted {
		t.Errorf("reconnect: expected 202, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/streams/missing/reconnect", ""); rec.Code != http.StatusNotFound {
		t.Errorf("reconnect missing: expected 404, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPut, "/streams/front/source", `{"url":"`+garageURL+`"}`); rec.Code != http.StatusAccepted {
		t.Errorf("switch: expected 202, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPut, "/streams/front/source", `{"url":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("switch empty url: expected 400, got %d", rec.Code)
	}
}

func TestHandler_ReconnectRateLimited(t *testing.T) {
	r, f := newTestRouter(t, httprate.LimitByIP(1, time.Minute))
	_, _ = f.svc.Add(StreamConfig{ID: "front", URL: frontURL})

	if rec := do(r, http.MethodPost, "/streams/front/reconnect", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("first reconnect: expected 202, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/streams/front/reconnect", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second reconnect: expected 429, got %d", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/streams/front", ""); rec.Code != http.StatusOK {
		t.Errorf("status reads are not limited, got %d", rec.Code)
	}
}
