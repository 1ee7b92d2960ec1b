package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ping(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		pipeline           bool
		checks             []Check
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy without checks",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name:               "healthy with database and channel",
			pipeline:           true,
			checks:             []Check{{Name: "database", Ping: ping(nil)}, {Name: "channel", Ping: ping(nil)}},
			expectedStatusCode: http.StatusOK,
			expectedStatus: Status{
				OK:       true,
				Message:  "ok",
				Pipeline: true,
				Checks:   map[string]bool{"database": true, "channel": true},
			},
		},
		{
			name:               "database ping failure",
			checks:             []Check{{Name: "database", Ping: ping(context.DeadlineExceeded)}},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "database ping failed",
				Checks:  map[string]bool{"database": false},
			},
		},
		{
			name:     "first failure names the message",
			pipeline: true,
			checks: []Check{
				{Name: "database", Ping: ping(nil)},
				{Name: "channel", Ping: ping(errors.New("connection refused"))},
				{Name: "other", Ping: ping(errors.New("boom"))},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:       false,
				Message:  "channel ping failed",
				Pipeline: true,
				Checks:   map[string]bool{"database": true, "channel": false, "other": false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rr := httptest.NewRecorder()
			HTTPHandler(tt.pipeline, tt.checks...).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatusCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatusCode)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var got Status
			if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.OK != tt.expectedStatus.OK || got.Message != tt.expectedStatus.Message || got.Pipeline != tt.expectedStatus.Pipeline {
				t.Errorf("status = %+v, want %+v", got, tt.expectedStatus)
			}
			if len(got.Checks) != len(tt.expectedStatus.Checks) {
				t.Fatalf("checks = %v, want %v", got.Checks, tt.expectedStatus.Checks)
			}
			for name, ok := range tt.expectedStatus.Checks {
				if got.Checks[name] != ok {
					t.Errorf("check %s = %v, want %v", name, got.Checks[name], ok)
				}
			}
		})
	}
}

func TestReport_SharedDeadline(t *testing.T) {
	slow := func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}
	start := time.Now()
	st := Report(context.Background(), false, Check{Name: "database", Ping: slow}, Check{Name: "nil ping"})
	if !st.OK {
		t.Errorf("Report() = %+v, want ok", st)
	}
	if time.Since(start) > time.Second {
		t.Error("Report() blocked")
	}
}
