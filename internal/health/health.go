package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool and *redis.Client wrappers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK            bool       `json:"ok"`
	Message       string     `json:"message,omitempty"`
	Dependency    *bool      `json:"dependency,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Monitor tracks consumer liveness from heartbeat hook calls. A zero maxAge
// disables the freshness check.
type Monitor struct {
	mu     sync.RWMutex
	last   time.Time
	maxAge time.Duration
	now    func() time.Time
}

func NewMonitor(maxAge time.Duration) *Monitor {
	return &Monitor{maxAge: maxAge, now: time.Now}
}

// Beat records a heartbeat. It has the shape of a heartbeat hook body.
func (m *Monitor) Beat() {
	m.mu.Lock()
	m.last = m.now()
	m.mu.Unlock()
}

func (m *Monitor) LastBeat() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Healthy reports whether the last heartbeat is recent enough.
func (m *Monitor) Healthy() bool {
	if m.maxAge <= 0 {
		return true
	}
	last := m.LastBeat()
	return !last.IsZero() && m.now().Sub(last) <= m.maxAge
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// consumer. Either argument may be nil.
func HTTPHandler(m *Monitor, dep Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}
		code := http.StatusOK

		if m != nil {
			if last := m.LastBeat(); !last.IsZero() {
				st.LastHeartbeat = &last
			}
			if !m.Healthy() {
				st.OK = false
				st.Message = "heartbeat stale"
				code = http.StatusServiceUnavailable
			}
		}

		if dep != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			ok := dep.Ping(ctx) == nil
			st.Dependency = &ok
			if !ok {
				st.OK = false
				st.Message = "dependency ping failed"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
