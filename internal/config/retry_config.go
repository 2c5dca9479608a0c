package config

import (
	"time"

	"github.com/feedpulse/signalpipe/internal/domain"
)

// RetryPolicy builds the queue store's fixed backoff schedule from the
// comma-configured minute list: a literal list of minute offsets rather
// than an exponential multiplier series.
func (c Config) RetryPolicy() domain.RetryPolicy {
	slots := make([]time.Duration, 0, len(c.QueueRetryBackoffMinutes))
	for _, m := range c.QueueRetryBackoffMinutes {
		if m <= 0 {
			continue
		}
		slots = append(slots, time.Duration(m)*time.Minute)
	}
	if len(slots) == 0 {
		slots = []time.Duration{15 * time.Minute}
	}
	return domain.RetryPolicy{Slots: slots}
}

// CircuitBreakerCooldown returns the configured cooldown as a time.Duration.
func (c Config) CircuitBreakerCooldown() time.Duration {
	return time.Duration(c.CircuitBreakerCooldownHrs * float64(time.Hour))
}
