package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"pulsechat/broker/internal/chat"
	"pulsechat/broker/internal/store"
)

type fakeHistory struct {
	messages []*chat.Message
	err      error

	gotPage  int
	gotLimit int
	gotQuery string
}

func (f *fakeHistory) Page(page, limit int) ([]*chat.Message, store.Pagination, error) {
	f.gotPage, f.gotLimit = page, limit
	if f.err != nil {
		return nil, store.Pagination{}, f.err
	}
	return f.messages, store.Pagination{Page: page, Limit: limit, Total: len(f.messages), TotalPages: 1}, nil
}

func (f *fakeHistory) Search(query string, limit int) ([]*chat.Message, error) {
	f.gotQuery, f.gotLimit = query, limit
	return f.messages, f.err
}

func newRouter(h *HandlerSet) *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	return r
}

func TestHistoryHandler(t *testing.T) {
	history := &fakeHistory{messages: []*chat.Message{
		chat.NewMessage("m1", chat.Author{ID: "a"}, "hello", time.Now()),
	}}
	h := NewHandlerSet(Options{History: history, DefaultPageSize: 25})

	req := httptest.NewRequest(http.MethodGet, "/messages?page=2&limit=10", nil)
	rr := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if history.gotPage != 2 || history.gotLimit != 10 {
		t.Fatalf("unexpected page/limit: %d/%d", history.gotPage, history.gotLimit)
	}
	var resp struct {
		Messages   []*chat.Message  `json:"messages"`
		Pagination store.Pagination `json:"pagination"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].ID != "m1" {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
	if resp.Pagination.Total != 1 {
		t.Fatalf("unexpected pagination: %+v", resp.Pagination)
	}
}

func TestHistoryHandlerDefaultsAndCaps(t *testing.T) {
	history := &fakeHistory{}
	h := NewHandlerSet(Options{History: history, DefaultPageSize: 25, MaxPageSize: 100})

	req := httptest.NewRequest(http.MethodGet, "/messages?limit=9999", nil)
	newRouter(h).ServeHTTP(httptest.NewRecorder(), req)
	if history.gotPage != 1 || history.gotLimit != 100 {
		t.Fatalf("expected defaults page=1 limit capped at 100, got %d/%d", history.gotPage, history.gotLimit)
	}
}

func TestHistoryHandlerStoreFailure(t *testing.T) {
	h := NewHandlerSet(Options{History: &fakeHistory{err: errors.New("boom")}})
	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	rr := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestSearchHandlerRequiresQuery(t *testing.T) {
	h := NewHandlerSet(Options{History: &fakeHistory{}})
	req := httptest.NewRequest(http.MethodGet, "/messages/search", nil)
	rr := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSearchHandler(t *testing.T) {
	history := &fakeHistory{messages: []*chat.Message{
		chat.NewMessage("m1", chat.Author{ID: "a"}, "release planning", time.Now()),
	}}
	h := NewHandlerSet(Options{History: history})
	req := httptest.NewRequest(http.MethodGet, "/messages/search?q=planning", nil)
	rr := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if history.gotQuery != "planning" {
		t.Fatalf("unexpected query: %q", history.gotQuery)
	}
}

func TestStatsHandler(t *testing.T) {
	h := NewHandlerSet(Options{Stats: func() Stats {
		return Stats{Clients: 3, Identities: 2, Broadcasts: 42}
	}})
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rr := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	var stats Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Clients != 3 || stats.Broadcasts != 42 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHealthHandler(t *testing.T) {
	h := NewHandlerSet(Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	newRouter(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := NewHandlerSet(Options{History: &fakeHistory{}})
	r := mux.NewRouter()
	r.Use(RateLimitMiddleware(1, 2))
	h.Register(r)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/messages", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the burst, got %v", codes)
	}

	// A different remote keeps its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	req.RemoteAddr = fmt.Sprintf("10.0.0.2:%d", 1234)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("independent remote should pass, got %d", rr.Code)
	}
}
