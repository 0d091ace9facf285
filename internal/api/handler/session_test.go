package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/echolens/opinionmap/pkg/apierr"
)

func requestWithParam(method, target, key, value string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apierr.ErrorResponse {
	t.Helper()
	var resp apierr.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestSessionHandler_Create_InvalidZoneID(t *testing.T) {
	sh := &SessionHandler{limits: sessionLimits{MinSampleSize: 50, MaxSampleSize: 3000}}
	req := requestWithParam(http.MethodPost, "/api/v1/zones/nope/sessions", "zoneID", "nope", nil)
	w := httptest.NewRecorder()

	sh.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != apierr.CodeInvalidZoneID {
		t.Errorf("expected code %s, got %s", apierr.CodeInvalidZoneID, resp.Error.Code)
	}
}

func TestSessionHandler_Create_InvalidBody(t *testing.T) {
	sh := &SessionHandler{limits: sessionLimits{MinSampleSize: 50, MaxSampleSize: 3000}}
	req := requestWithParam(http.MethodPost, "/api/v1/zones/x/sessions",
		"zoneID", "7a1e53a4-11dc-4b08-9f52-6f2b9cbb6421", []byte("not json"))
	w := httptest.NewRecorder()

	sh.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != apierr.CodeInvalidRequestBody {
		t.Errorf("expected code %s, got %s", apierr.CodeInvalidRequestBody, resp.Error.Code)
	}
}

func TestSessionHandler_Create_InvalidDateRange(t *testing.T) {
	sh := &SessionHandler{limits: sessionLimits{MinSampleSize: 50, MaxSampleSize: 3000}}
	body, _ := json.Marshal(map[string]any{
		"date_from": "2026-03-08T00:00:00Z",
		"date_to":   "2026-03-01T00:00:00Z",
	})
	req := requestWithParam(http.MethodPost, "/api/v1/zones/x/sessions",
		"zoneID", "7a1e53a4-11dc-4b08-9f52-6f2b9cbb6421", body)
	w := httptest.NewRecorder()

	sh.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != apierr.CodeInvalidDateRange {
		t.Errorf("expected code %s, got %s", apierr.CodeInvalidDateRange, resp.Error.Code)
	}
}

func TestSessionHandler_Create_SampleSizeTooLarge(t *testing.T) {
	sh := &SessionHandler{limits: sessionLimits{MinSampleSize: 50, MaxSampleSize: 3000}}
	body, _ := json.Marshal(map[string]any{
		"date_from":   "2026-03-01T00:00:00Z",
		"date_to":     "2026-03-08T00:00:00Z",
		"sample_size": 5000,
	})
	req := requestWithParam(http.MethodPost, "/api/v1/zones/x/sessions",
		"zoneID", "7a1e53a4-11dc-4b08-9f52-6f2b9cbb6421", body)
	w := httptest.NewRecorder()

	sh.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != apierr.CodeSampleSizeTooLarge {
		t.Errorf("expected code %s, got %s", apierr.CodeSampleSizeTooLarge, resp.Error.Code)
	}
}

func TestSessionHandler_Get_InvalidSessionID(t *testing.T) {
	sh := &SessionHandler{}
	req := requestWithParam(http.MethodGet, "/api/v1/sessions/abc", "sessionID", "abc", nil)
	w := httptest.NewRecorder()

	sh.Get(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != apierr.CodeInvalidSessionID {
		t.Errorf("expected code %s, got %s", apierr.CodeInvalidSessionID, resp.Error.Code)
	}
}

func TestSessionHandler_Cancel_InvalidSessionID(t *testing.T) {
	sh := &SessionHandler{}
	req := requestWithParam(http.MethodPost, "/api/v1/sessions/abc/cancel", "sessionID", "abc", nil)
	w := httptest.NewRecorder()

	sh.Cancel(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
