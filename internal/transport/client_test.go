package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"roam/internal/transport"
)

func TestPerformSendsHeadersAndBody(t *testing.T) {
	var gotMethod, gotType, gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"r1"}`))
	}))
	defer server.Close()

	client := transport.NewHTTPClient()
	resp, err := client.Perform(context.Background(), http.MethodPost, server.URL+"/ratings",
		map[string]string{"Authorization": "Bearer token"},
		[]byte(`{"stars":5}`),
	)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("method = %s", gotMethod)
	}
	if gotType != "application/json" {
		t.Fatalf("content type = %q, want default applied", gotType)
	}
	if gotAuth != "Bearer token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if string(gotBody) != `{"stars":5}` {
		t.Fatalf("body = %q", gotBody)
	}
	if resp.StatusCode != http.StatusCreated || !resp.Success() {
		t.Fatalf("status = %d success=%v", resp.StatusCode, resp.Success())
	}
	if string(resp.Body) != `{"id":"r1"}` {
		t.Fatalf("response body = %q", resp.Body)
	}
	if resp.ServerTime.IsZero() {
		t.Fatal("Date header not captured")
	}
}

func TestPerformHonorsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := transport.NewHTTPClient()
	if _, err := client.Perform(ctx, http.MethodGet, server.URL, nil, nil); err == nil {
		t.Fatal("expected deadline error")
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusConflict, false},
	}
	for _, tc := range cases {
		resp := &transport.Response{StatusCode: tc.status}
		if resp.Retryable() != tc.retryable {
			t.Errorf("status %d retryable = %v, want %v", tc.status, resp.Retryable(), tc.retryable)
		}
	}
}
