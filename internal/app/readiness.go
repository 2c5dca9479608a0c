package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// ReadinessChecker probes the process's downstream dependencies (currently
// just the database pool) and reports a JSON check list.
type ReadinessChecker struct {
	DBCheck func(ctx context.Context) error
}

type readinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// ReadyzHandler probes every configured check with a bounded timeout and
// reports 200 when all pass, 503 otherwise.
func (c ReadinessChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		var checks []readinessCheck
		ok := true
		if c.DBCheck != nil {
			if err := c.DBCheck(ctx); err != nil {
				checks = append(checks, readinessCheck{Name: "db", OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, readinessCheck{Name: "db", OK: true})
			}
		}

		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"checks": checks})
	}
}
