package health

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Pinger is a dependency that can report whether it is reachable.
// *pgxpool.Pool and *cache.Redis satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named dependency. A nil Pinger is reported as healthy, for
// optional backends that are switched off.
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
	// BusConfigured is false when the BUS endpoint or credentials are
	// missing; the relay is up but every dispatch is skipped.
	BusConfigured bool `json:"bus_configured"`
}

// Evaluate pings every check with timeout each.
func Evaluate(ctx context.Context, busConfigured bool, timeout time.Duration, checks ...Check) Status {
	st := Status{OK: true, Message: "ok", BusConfigured: busConfigured, Checks: make(map[string]bool, len(checks))}
	var failed []string
	for _, c := range checks {
		ok := true
		if c.Pinger != nil {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			ok = c.Pinger.Ping(pctx) == nil
			cancel()
		}
		st.Checks[c.Name] = ok
		if !ok {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		st.OK = false
		st.Message = failed[0] + " ping failed"
		if len(failed) > 1 {
			st.Message = "ping failed: " + strings.Join(failed, ", ")
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(busConfigured bool, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), busConfigured, time.Second, checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
