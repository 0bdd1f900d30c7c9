package failure

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("roomId is required"), http.StatusBadRequest},
		{"unauthorized", Unauthorized("bad key"), http.StatusUnauthorized},
		{"not found", NotFound("no room %q", "a"), http.StatusNotFound},
		{"admission", Admission("room full"), http.StatusForbidden},
		{"engine", Engine("transport.connect", errors.New("dtls")), http.StatusInternalServerError},
		{"upstream", Upstream("youtube", errors.New("503")), http.StatusBadGateway},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Status(tt.err); got != tt.want {
				t.Errorf("Status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("join: %w", Admission("Max users of 2 in room abc"))
	if KindOf(err) != KindAdmission {
		t.Fatalf("KindOf = %v, want %v", KindOf(err), KindAdmission)
	}
	if !Is(err, KindAdmission) {
		t.Fatal("Is(KindAdmission) = false")
	}
	if Is(nil, KindAdmission) {
		t.Fatal("Is(nil) = true")
	}
}

func TestEngineUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("worker died")
	err := Engine("router.create", cause)
	if !errors.Is(err, cause) {
		t.Fatal("engine failure should unwrap to its cause")
	}
	if got := Message(err); got != "router.create failed" {
		t.Errorf("Message = %q, want %q", got, "router.create failed")
	}
}

func TestMessageHidesInternal(t *testing.T) {
	t.Parallel()

	if got := Message(errors.New("nil pointer somewhere")); got != "internal error" {
		t.Errorf("Message = %q, want %q", got, "internal error")
	}
	if got := Message(NotFound("No producer %s", "p1")); got != "No producer p1" {
		t.Errorf("Message = %q", got)
	}
}
