package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		w.Write([]byte(`{"text":"hello"}`))
	}))
	defer srv.Close()

	var out struct {
		Text string `json:"text"`
	}
	err := PostJSON(context.Background(), srv.Client(), "ocr", srv.URL, "key-1",
		map[string]string{"document": "abc"}, &out)
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if out.Text != "hello" {
		t.Errorf("unexpected response %+v", out)
	}
}

func TestPostJSON_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.Client(), "nlp", srv.URL, "", nil, nil)
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if re.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unexpected status %d", re.StatusCode)
	}
	if !re.Temporary() {
		t.Error("503 should be temporary")
	}
}

func TestError_Temporary(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range cases {
		e := &Error{Service: "svc", StatusCode: tc.status}
		if got := e.Temporary(); got != tc.want {
			t.Errorf("status %d: Temporary() = %v, want %v", tc.status, got, tc.want)
		}
	}
}
