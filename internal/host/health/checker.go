// Package health monitors coordinator reachability from a host. The
// outbox already absorbs writes while offline; the checker exists so the
// host can log connectivity transitions once instead of spamming a
// failure per queued call, and so the claim loop can skip rounds that
// would only time out.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultInterval between probes.
	DefaultInterval = 15 * time.Second
	// failThreshold consecutive failures before reporting offline.
	failThreshold = 2
	// okThreshold consecutive successes before reporting online again.
	okThreshold = 1

	probeTimeout = 5 * time.Second
)

// State is the checker's view of coordinator reachability.
type State string

const (
	StateUnknown State = "unknown"
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Checker probes the coordinator's health endpoint.
type Checker struct {
	url    string
	client *http.Client
	logger *slog.Logger

	// onTransition fires once per state change, never per probe.
	onTransition func(State)

	mu              sync.RWMutex
	state           State
	consecutiveFail int
	consecutiveOK   int
}

// NewChecker creates a checker for the coordinator at baseURL.
func NewChecker(baseURL string, logger *slog.Logger, onTransition func(State)) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		url:          baseURL + "/health",
		client:       &http.Client{Timeout: probeTimeout},
		logger:       logger,
		onTransition: onTransition,
		state:        StateUnknown,
	}
}

// State returns the current reachability state.
func (c *Checker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Online reports whether the coordinator answered the last probes.
// Unknown counts as online so a freshly started host tries real calls
// instead of waiting out the first probe interval.
func (c *Checker) Online() bool {
	return c.State() != StateOffline
}

// Run probes until the context is cancelled.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Checker) probe(ctx context.Context) {
	err := c.check(ctx)

	c.mu.Lock()
	if err != nil {
		c.consecutiveFail++
		c.consecutiveOK = 0
	} else {
		c.consecutiveOK++
		c.consecutiveFail = 0
	}

	next := c.state
	switch {
	case c.consecutiveFail >= failThreshold:
		next = StateOffline
	case c.consecutiveOK >= okThreshold:
		next = StateOnline
	}

	changed := next != c.state
	c.state = next
	c.mu.Unlock()

	if !changed {
		return
	}
	if next == StateOffline {
		c.logger.Warn("coordinator unreachable, queueing eligible writes", "url", c.url, "error", err)
	} else {
		c.logger.Info("coordinator reachable", "url", c.url)
	}
	if c.onTransition != nil {
		c.onTransition(next)
	}
}

func (c *Checker) check(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d (unhealthy)", resp.StatusCode)
	}
	return nil
}
