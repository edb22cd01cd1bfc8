package security

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a request exceeds the rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// Rate limit kinds.
const (
	LimitRequest = "request"
	LimitAuth    = "auth"
	LimitExec    = "exec"
)

// RateLimitConfig holds configurable rate limits, per client.
type RateLimitConfig struct {
	RequestsPerMin   int `yaml:"requests_per_min"`
	AuthPerMin       int `yaml:"auth_per_min"`
	ExecutionsPerMin int `yaml:"executions_per_min"`
	// MaxClients bounds how many clients are tracked at once.
	MaxClients int `yaml:"max_clients"`
}

// rateLimitConfigDefaults returns a config with sensible defaults.
func rateLimitConfigDefaults() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMin:   300,
		AuthPerMin:       30,
		ExecutionsPerMin: 60,
		MaxClients:       1024,
	}
}

// RateLimiter is a token bucket per client and kind. A kind's bucket holds
// one minute's worth of events and refills continuously.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
	perMin   map[string]int
	config   RateLimitConfig
	now      func() time.Time
}

type limiterKey struct {
	kind   string
	client string
}

// NewRateLimiter creates a rate limiter with the given config.
// Zero-value fields in cfg are replaced with defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	defaults := rateLimitConfigDefaults()
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = defaults.RequestsPerMin
	}
	if cfg.AuthPerMin <= 0 {
		cfg.AuthPerMin = defaults.AuthPerMin
	}
	if cfg.ExecutionsPerMin <= 0 {
		cfg.ExecutionsPerMin = defaults.ExecutionsPerMin
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaults.MaxClients
	}

	return &RateLimiter{
		config:   cfg,
		now:      time.Now,
		limiters: make(map[limiterKey]*rate.Limiter),
		perMin: map[string]int{
			LimitRequest: cfg.RequestsPerMin,
			LimitAuth:    cfg.AuthPerMin,
			LimitExec:    cfg.ExecutionsPerMin,
		},
	}
}

// Allow checks whether one event of kind is allowed for client.
// Unknown kinds are not limited.
func (rl *RateLimiter) Allow(kind, client string) error {
	return rl.AllowN(kind, client, 1)
}

// AllowN checks whether n events of kind are allowed for client.
func (rl *RateLimiter) AllowN(kind, client string, n int) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	perMin, ok := rl.perMin[kind]
	if !ok {
		return nil
	}

	now := rl.now()
	key := limiterKey{kind: kind, client: client}
	lim, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= rl.config.MaxClients {
			rl.evictIdle(now)
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
		rl.limiters[key] = lim
	}

	if !lim.AllowN(now, n) {
		return ErrRateLimited
	}
	return nil
}

// evictIdle drops limiters whose bucket has refilled; they carry no state.
// If every tracked client is active, the whole table is reset.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, lim := range rl.limiters {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(rl.limiters, key)
		}
	}
	if len(rl.limiters) >= rl.config.MaxClients {
		clear(rl.limiters)
	}
}

// Clients returns the number of tracked client buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
