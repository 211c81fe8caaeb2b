package fetch

import (
	"math/rand"
	"time"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/internal/media"
)

// exponentialCapFactor bounds exponential retry delays to this multiple of the
// configured interval.
const exponentialCapFactor = 10

// Strategy defines the retry schedule of one request
type Strategy interface {
	// NextDelay returns the delay before the next attempt and whether the
	// retry budget allows one
	NextDelay() (time.Duration, bool)
	// Remaining returns the retries left
	Remaining() int
	// Reset restores the full budget
	Reset()
}

// LinearBackoff retries after a fixed delay
type LinearBackoff struct {
	Delay      time.Duration
	MaxRetries int

	retryCount int
}

// NewLinearBackoff creates a fixed-delay strategy allowing maxRetries retries
func NewLinearBackoff(delay time.Duration, maxRetries int) *LinearBackoff {
	return &LinearBackoff{
		Delay:      delay,
		MaxRetries: maxRetries,
	}
}

// NextDelay returns the fixed delay while retries remain
func (l *LinearBackoff) NextDelay() (time.Duration, bool) {
	if l.retryCount >= l.MaxRetries {
		return 0, false
	}
	l.retryCount++
	return l.Delay, true
}

func (l *LinearBackoff) Remaining() int {
	return l.MaxRetries - l.retryCount
}

func (l *LinearBackoff) Reset() {
	l.retryCount = 0
}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int

	currentDelay time.Duration
	retryCount   int
	jitter       func() float64
}

// NewExponentialBackoff creates an exponential strategy. jitter returns a
// value in [0, 1); nil uses math/rand.
func NewExponentialBackoff(initialDelay, maxDelay time.Duration, multiplier float64, maxRetries int, jitter func() float64) *ExponentialBackoff {
	if jitter == nil {
		jitter = rand.Float64
	}
	return &ExponentialBackoff{
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
		MaxRetries:   maxRetries,
		currentDelay: initialDelay,
		jitter:       jitter,
	}
}

// NextDelay returns the next delay with exponential growth and ±20% jitter
func (e *ExponentialBackoff) NextDelay() (time.Duration, bool) {
	if e.retryCount >= e.MaxRetries {
		return 0, false
	}

	jitterFloat := 0.8 + (0.4 * e.jitter())
	delay := time.Duration(float64(e.currentDelay) * jitterFloat)

	e.currentDelay = time.Duration(float64(e.currentDelay) * e.Multiplier)
	if e.currentDelay > e.MaxDelay {
		e.currentDelay = e.MaxDelay
	}
	e.retryCount++

	return delay, true
}

func (e *ExponentialBackoff) Remaining() int {
	return e.MaxRetries - e.retryCount
}

func (e *ExponentialBackoff) Reset() {
	e.currentDelay = e.InitialDelay
	e.retryCount = 0
}

// StrategyFor builds the retry schedule configured for a request type.
func StrategyFor(settings *config.Settings, t media.RequestType, jitter func() float64) Strategy {
	attempts := settings.RetryAttemptsFor(t)
	interval := settings.RetryIntervalFor(t)
	if settings.Get().RetryBackoff == config.BackoffExponential {
		return NewExponentialBackoff(interval, interval*exponentialCapFactor, 2, attempts, jitter)
	}
	return NewLinearBackoff(interval, attempts)
}
