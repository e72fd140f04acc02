// Package testutil holds HTTP helpers shared by package tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// DoRequest serves a GET for target on handler and returns the recorder.
func DoRequest(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

// ParseJSON decodes the recorded body into v.
func ParseJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("parsing JSON %q: %v", rr.Body.String(), err)
	}
}

// AssertStatus checks the recorded status code.
func AssertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("expected status %d, got %d (body: %s)", expected, rr.Code, rr.Body.String())
	}
}

// AssertBodyContains checks that the recorded body contains substr.
func AssertBodyContains(t *testing.T, rr *httptest.ResponseRecorder, substr string) {
	t.Helper()
	if !strings.Contains(rr.Body.String(), substr) {
		t.Errorf("expected body to contain %q, got %s", substr, rr.Body.String())
	}
}
