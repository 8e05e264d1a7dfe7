package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// ClientIDHeader lets well-behaved callers share one rate-limit bucket across hosts.
	ClientIDHeader = "X-Client-ID"

	burstCapacityMultiplier    int     = 2
	defaultMaxClients          int     = 10000
	defaultGlobalRPS           int     = 100
	defaultClientRPS           int     = 20
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	RateLimiter interface {
		// Allow reports whether a request from clientID may proceed.
		Allow(clientID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate token buckets.
	//
	// Two tiers are checked in order: the global limit, then the client's own limit.
	// Client buckets are created lazily and removed after IdleTimeout without traffic.
	InMemoryRateLimiter struct {
		global        *rate.Limiter
		clients       map[string]*clientLimiter
		mu            sync.RWMutex
		cleanupTicker *time.Ticker
		done          chan struct{}
		closeOnce     sync.Once
		logger        *slog.Logger

		clientRPS       int
		clientBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxClients      int
	}

	// clientLimiter tracks rate limit state for a single client.
	clientLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a two-tier in-memory rate limiter and starts its
// cleanup goroutine. Call Close to stop it.
//
// Example:
//
//	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 100, ClientRPS: 20})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	maxClients := config.MaxClients
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)),
		clients:         make(map[string]*clientLimiter),
		done:            make(chan struct{}),
		logger:          slog.Default(),
		clientRPS:       config.ClientRPS,
		clientBurst:     computeBurstCapacity(config.ClientRPS, config.ClientBurst),
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxClients:      maxClients,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns burstOverride when set, else 2 × rate.
//
//	computeBurstCapacity(100, 0)   // 200
//	computeBurstCapacity(100, 500) // 500
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks the global limit, then the limit of clientID.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}

	rl.mu.RLock()
	cl, ok := rl.clients[clientID]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		if cl, ok = rl.clients[clientID]; !ok {
			cl = &clientLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst),
				lastAccess: time.Now(),
			}

			rl.clients[clientID] = cl

			currentCount := len(rl.clients)
			threshold := int(float64(rl.maxClients) * thresholdMultiplier)

			if currentCount >= threshold {
				rl.logger.Warn("Rate limiter approaching max clients limit",
					slog.Int("current_clients", currentCount),
					slog.Int("max_clients", rl.maxClients),
					slog.Int("threshold_percent", thresholdPercentage),
				)
			}
		}

		rl.mu.Unlock()
	}

	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()

	return cl.limiter.Allow()
}

// Clients returns the number of tracked client buckets.
func (rl *InMemoryRateLimiter) Clients() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return len(rl.clients)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		if rl.cleanupTicker != nil {
			rl.cleanupTicker.Stop()
		}

		close(rl.done)
	})

	return nil
}

func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes client limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout <= 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for clientID, cl := range rl.clients {
		cl.mu.Lock()
		lastAccess := cl.lastAccess
		cl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.clients, clientID)
		}
	}
}

// ClientKey identifies the caller of r: the X-Client-ID header when present, else the
// host part of the remote address.
func ClientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); id != "" {
		return "id:" + id
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return "ip:" + host
}

// RateLimit returns a middleware that answers 429 with an RFC 7807 body once a client
// exceeds its limit. Requests for exempt paths (probes, metrics) are never limited.
func RateLimit(limiter RateLimiter, logger *slog.Logger, exempt ...string) func(http.Handler) http.Handler {
	exemptPaths := make(map[string]bool, len(exempt))
	for _, path := range exempt {
		exemptPaths[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPaths[r.URL.Path] || limiter.Allow(ClientKey(r)) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())
			detail := "Rate limit exceeded. Please retry after some time."

			w.Header().Set("Retry-After", "1")

			if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
				logger.Error("Failed to write rate limit response",
					slog.String("correlation_id", correlationID),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}
