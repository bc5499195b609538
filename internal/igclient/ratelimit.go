package igclient

import (
	"os"
	"strconv"

	"golang.org/x/time/rate"
)

// newDefaultLimiter creates a rate limiter using env overrides if present.
func newDefaultLimiter() *rate.Limiter {
	return newLimiter(envFloat("IG_API_RPS", 2.0), getEnvInt("IG_API_BURST", 10))
}

// newLimiter falls back to the defaults for non-positive values.
func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		rps = 2.0
	}
	if burst <= 0 {
		burst = 10
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}
