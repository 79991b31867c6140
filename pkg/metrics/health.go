package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// State is the health of one component
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"  // Serving, but something is stuck
	StateUnhealthy State = "unhealthy" // Not serving
)

// ReadinessComponents must all be healthy or degraded before volumes can
// serve I/O
var ReadinessComponents = []string{"storage", "registry", "dispatch"}

// ComponentStatus is the reported state of one component
type ComponentStatus struct {
	State   State     `json:"state"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

// HealthStatus is the body served by the health endpoints
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentStatus
	startTime  time.Time
	version    string
}

var health = newHealthRegistry()

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]ComponentStatus),
		startTime:  time.Now(),
	}
}

func (h *healthRegistry) set(name string, state State, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ComponentStatus{State: state, Message: message, Updated: time.Now()}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// UpdateComponent records whether a component is serving
func UpdateComponent(name string, healthy bool, message string) {
	state := StateHealthy
	if !healthy {
		state = StateUnhealthy
	}
	health.set(name, state, message)
}

// Degrade marks a component as serving but stuck on something, such as a
// volume that will not drain. A later UpdateComponent clears it.
func Degrade(name, message string) {
	health.set(name, StateDegraded, message)
}

// Component returns the last reported state of name
func Component(name string) (ComponentStatus, bool) {
	health.mu.RLock()
	defer health.mu.RUnlock()
	c, ok := health.components[name]
	return c, ok
}

// GetHealth returns the worst state across all components
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := StateHealthy
	var message string
	components := make(map[string]ComponentStatus, len(health.components))
	names := make([]string, 0, len(health.components))
	for name := range health.components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := health.components[name]
		components[name] = c
		switch {
		case c.State == StateUnhealthy && status != StateUnhealthy:
			status, message = StateUnhealthy, name+": "+c.Message
		case c.State == StateDegraded && status == StateHealthy:
			status, message = StateDegraded, name+": "+c.Message
		}
	}

	return HealthStatus{
		Status:     string(status),
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
	}
}

// GetReadiness reports "ready" once every readiness component is serving
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "ready"
	var message string
	components := make(map[string]ComponentStatus, len(ReadinessComponents))
	for _, name := range ReadinessComponents {
		c, ok := health.components[name]
		if !ok {
			if status == "ready" {
				status, message = "not_ready", "waiting for "+name+" initialization"
			}
			continue
		}
		components[name] = c
		if c.State == StateUnhealthy && status == "ready" {
			status, message = "not_ready", "waiting for "+name
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetHealth()
		code := http.StatusOK
		if h.Status == string(StateUnhealthy) {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, h)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetReadiness()
		code := http.StatusOK
		if h.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, h)
	}
}

// LivenessHandler always answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(health.startTime).String(),
		})
	}
}
