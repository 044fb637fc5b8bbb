package reconnect

import (
	"context"
	"fmt"
	"time"
)

// Check is one diagnostic probe result.
type Check struct {
	Name    string
	Passed  bool
	Detail  string
	Latency time.Duration
}

// Diagnostics is the outcome of RunDiagnostics.
type Diagnostics struct {
	Checks          []Check
	Recommendations []string
}

// Passed reports whether every check passed.
func (d Diagnostics) Passed() bool {
	for _, c := range d.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// RunDiagnostics performs bounded read-only probes against the gateway and
// returns their results with textual recommendations. It never mutates the
// connection state machine.
func (s *Supervisor) RunDiagnostics(ctx context.Context) Diagnostics {
	var d Diagnostics

	snap := s.GetConnectionState()
	if snap.Status == StateOffline {
		d.Checks = append(d.Checks, Check{
			Name:   "offline-mode",
			Detail: "offline mode is enabled",
		})
		d.Recommendations = append(d.Recommendations,
			"disable offline mode to resume reconnection attempts")
		return d
	}

	st := s.gw.Status()
	reach := Check{Name: "reachability", Passed: st.Connected}
	if st.Connected {
		reach.Detail = "gateway reports an established connection"
	} else {
		reach.Detail = "gateway reports no connection"
		if st.Err != nil {
			reach.Detail = fmt.Sprintf("gateway reports no connection: %v", st.Err)
		}
	}
	d.Checks = append(d.Checks, reach)
	if !st.Connected {
		d.Recommendations = append(d.Recommendations,
			"verify the gateway endpoint and network path; the supervisor retries automatically")
		if snap.RetryCount > 0 {
			d.Recommendations = append(d.Recommendations,
				fmt.Sprintf("%d consecutive connection attempts have failed", snap.RetryCount))
		}
		return d
	}

	start := s.clock.Now()
	err := s.gw.Call(ctx, nil, "ping")
	rtt := Check{
		Name:    "round-trip",
		Passed:  err == nil,
		Latency: s.clock.Since(start),
	}
	if err != nil {
		rtt.Detail = fmt.Sprintf("ping failed: %v", err)
		d.Recommendations = append(d.Recommendations,
			"the connection is established but calls fail; the backend may be degraded")
	} else {
		rtt.Detail = fmt.Sprintf("ping round trip in %v", rtt.Latency)
	}
	d.Checks = append(d.Checks, rtt)
	return d
}
