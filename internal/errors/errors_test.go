package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindDuplicate, http.StatusOK},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindThrottled, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := New(tc.kind, "r", "m", nil)
		if got := err.HTTPStatus(); got != tc.want {
			t.Errorf("%s -> %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestRetryability(t *testing.T) {
	if !Unavailable("db_down", nil).IsRetryable() {
		t.Error("unavailable must be retryable")
	}
	for _, err := range []*AppError{
		Invalid("bad", "bad"),
		Throttled("slow", "slow down"),
		Internal("bug", nil),
	} {
		if err.IsRetryable() {
			t.Errorf("%s must not be retryable", err.Kind)
		}
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, KindUnavailable, "db_down")

	if err.Unwrap() != cause {
		t.Error("cause lost")
	}
	if !IsKind(err, KindUnavailable) {
		t.Error("kind lost")
	}

	// Wrapping an AppError keeps the original kind.
	rewrapped := Wrap(err, KindInternal, "other")
	if rewrapped.Kind != KindUnavailable {
		t.Errorf("double wrap changed the kind to %s", rewrapped.Kind)
	}
}

func TestAsAppWalksWrapChain(t *testing.T) {
	app := Invalid("bad_value", "nope")
	wrapped := fmt.Errorf("handler: %w", app)

	got := AsApp(wrapped)
	if got == nil || got.Reason != "bad_value" {
		t.Fatalf("AsApp failed to find the AppError: %v", got)
	}
	if AsApp(fmt.Errorf("plain")) != nil {
		t.Fatal("plain errors are not AppErrors")
	}
}
