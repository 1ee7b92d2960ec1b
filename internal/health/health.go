package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Status struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message,omitempty"`
	Pipeline bool            `json:"pipeline"`
	Checks   map[string]bool `json:"checks,omitempty"`
}

// Check is one dependency probe, the pool and the NSQ daemon
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Report runs every check with a shared one second budget
func Report(ctx context.Context, pipeline bool, checks ...Check) Status {
	st := Status{OK: true, Message: "ok", Pipeline: pipeline}
	if len(checks) == 0 {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	st.Checks = make(map[string]bool, len(checks))
	for _, c := range checks {
		ok := c.Ping == nil || c.Ping(ctx) == nil
		st.Checks[c.Name] = ok
		if !ok {
			if st.OK {
				st.Message = c.Name + " ping failed"
			}
			st.OK = false
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(pipeline bool, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Report(r.Context(), pipeline, checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
