package syncerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestFromStatusClassifies(t *testing.T) {
	cases := []struct {
		status int
		kind   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusNotFound, ErrClient},
		{http.StatusConflict, ErrClient},
		{http.StatusTooManyRequests, ErrRateLimit},
		{http.StatusInternalServerError, ErrServer},
		{http.StatusBadGateway, ErrServer},
	}
	for _, tc := range cases {
		err := FromStatus("op", tc.status, "", "")
		if !errors.Is(err, tc.kind) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.kind, err)
		}
	}
}

func TestFromStatusDefaultMessage(t *testing.T) {
	err := FromStatus("get project", http.StatusBadGateway, "", "")
	if !strings.Contains(err.Error(), "HTTP 502: Bad Gateway") {
		t.Fatalf("expected status text in message, got %q", err.Error())
	}
	if !strings.HasPrefix(err.Error(), "get project: http 502") {
		t.Fatalf("expected op prefix, got %q", err.Error())
	}
}

func TestRetryableOnlyForTransientKinds(t *testing.T) {
	if !Retryable(New(ErrServer, "op", "boom")) {
		t.Fatalf("expected server error to be retryable")
	}
	if !Retryable(fmt.Errorf("wrapped: %w", Wrap(ErrNetwork, "op", errors.New("dial")))) {
		t.Fatalf("expected wrapped network error to be retryable")
	}
	if Retryable(New(ErrClient, "op", "bad")) {
		t.Fatalf("expected client error to be terminal")
	}
	if Retryable(New(ErrAuth, "op", "token not set")) {
		t.Fatalf("expected auth error to be terminal")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrNetwork, "read document", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if IsNotFound(err) {
		t.Fatalf("network error is not a 404")
	}
	if !IsNotFound(FromStatus("op", http.StatusNotFound, "not_found", "missing")) {
		t.Fatalf("expected 404 to be detected")
	}
}
