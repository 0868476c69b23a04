package health

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Checker periodically probes the RPC endpoint and the control server
type Checker struct {
	mu       sync.RWMutex
	statuses []Status
	rpcURL   string
	ctrlURL  string
}

// NewChecker creates a new health checker
func NewChecker(rpcURL, ctrlURL string) *Checker {
	return &Checker{
		rpcURL:  rpcURL,
		ctrlURL: ctrlURL,
	}
}

// Start begins periodic health checks
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.check()
			}
		}
	}()

	// Initial check
	c.check()
}

func (c *Checker) check() {
	statuses := []Status{
		c.checkRPC(),
		c.checkControl(),
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

func (c *Checker) checkRPC() Status {
	start := time.Now()

	client := &http.Client{Timeout: 5 * time.Second}
	body := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"getHealth"}`)
	req, _ := http.NewRequest("POST", c.rpcURL, body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	latency := time.Since(start)
	if resp != nil {
		resp.Body.Close()
	}

	status := Status{
		Name:    "RPC",
		Latency: latency,
		Healthy: err == nil,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

func (c *Checker) checkControl() Status {
	start := time.Now()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(c.ctrlURL + "/health")
	latency := time.Since(start)
	if resp != nil {
		resp.Body.Close()
	}

	status := Status{
		Name:    "Control",
		Latency: latency,
		Healthy: err == nil,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// GetStatuses returns current health statuses
func (c *Checker) GetStatuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statuses
}
