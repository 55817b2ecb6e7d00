package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type component struct {
	name string
	// optional components degrade readiness instead of failing it
	optional bool
	check    CheckFunc
}

// Checker performs health checks on the configured components
type Checker struct {
	mu           sync.RWMutex
	components   []component
	version      string
	checkTimeout time.Duration
}

// CheckerConfig holds configuration for the health checker
type CheckerConfig struct {
	DB           *sql.DB
	Redis        *redis.Client
	StorageCheck CheckFunc
	TempDir      string
	Version      string
	Timeout      time.Duration
}

// NewChecker creates a new health checker. Nil dependencies are simply not
// checked since Redis and Postgres are optional for this service.
func NewChecker(cfg *CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	c := &Checker{
		version:      cfg.Version,
		checkTimeout: timeout,
	}
	if cfg.DB != nil {
		c.Register("database", true, DBCheck(cfg.DB))
	}
	if cfg.Redis != nil {
		c.Register("redis", true, RedisCheck(cfg.Redis))
	}
	if cfg.StorageCheck != nil {
		c.Register("storage", false, cfg.StorageCheck)
	}
	if cfg.TempDir != "" {
		c.Register("temp_dir", false, TempDirCheck(cfg.TempDir))
	}
	return c
}

// Register adds a component to the readiness check
func (c *Checker) Register(name string, optional bool, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component{name: name, optional: optional, check: check})
}

// DBCheck pings the database and runs a trivial query
func DBCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		var result int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
			return fmt.Errorf("database query failed: %w", err)
		}
		return nil
	}
}

// RedisCheck pings Redis
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}

// TempDirCheck verifies the artifact directory exists and is writable
func TempDirCheck(dir string) CheckFunc {
	return func(ctx context.Context) error {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return fmt.Errorf("temp dir not writable: %w", err)
		}
		name := f.Name()
		f.Close()
		return os.Remove(filepath.Clean(name))
	}
}

func (c *Checker) run(ctx context.Context, comp component) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	if err := comp.check(ctx); err != nil {
		status := StatusUnhealthy
		if comp.optional {
			status = StatusDegraded
		}
		return ComponentHealth{
			Status:   status,
			Message:  err.Error(),
			Duration: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck performs a comprehensive health check (readiness)
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth),
	}

	c.mu.RLock()
	components := append([]component(nil), c.components...)
	c.mu.RUnlock()

	// Run checks in parallel
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, comp := range components {
		wg.Add(1)
		go func(comp component) {
			defer wg.Done()
			result := c.run(ctx, comp)
			mu.Lock()
			response.Components[comp.name] = result
			mu.Unlock()
		}(comp)
	}

	wg.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		} else if comp.Status == StatusDegraded {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler handles liveness probe requests
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.checker.Check(r.Context()))
}

// ReadinessHandler handles readiness probe requests. Degraded still accepts
// traffic.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.checker.DeepCheck(r.Context()))
}

func writeResponse(w http.ResponseWriter, response *HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}
