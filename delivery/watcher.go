package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Watcher tracks processing attempts per message id and decides when a
// failing message stops being redelivered.
//
// A Watcher is shared by all concurrent deliveries of one consumer and must
// be safe for concurrent use.
type Watcher interface {
	// Add records one processing attempt.
	Add(id string)
	// IsExhausted reports whether the retry budget of the message is used up.
	IsExhausted(id string) bool
	// Remove forgets the message after a terminal ack or reject.
	Remove(id string)
}

// EndlessWatcher redelivers failing messages forever.
type EndlessWatcher struct{}

func (EndlessWatcher) Add(string)              {}
func (EndlessWatcher) IsExhausted(string) bool { return false }
func (EndlessWatcher) Remove(string)           {}

// OneTryWatcher never redelivers: the first failure rejects the message.
type OneTryWatcher struct{}

func (OneTryWatcher) Add(string)              {}
func (OneTryWatcher) IsExhausted(string) bool { return true }
func (OneTryWatcher) Remove(string)           {}

// DefaultCapacity is the default number of message ids a CounterWatcher remembers.
const DefaultCapacity = 1 << 16

// CounterConfig configures a CounterWatcher.
type CounterConfig struct {
	// MaxTries is the number of retries after the first attempt.
	// A message is exhausted once it was attempted more than MaxTries times.
	// Negative values are treated as 0.
	MaxTries int

	// Capacity bounds the number of tracked message ids. The least recently
	// used id is evicted first, which resets its budget.
	// Default is DefaultCapacity.
	Capacity int

	// Logger receives an error-level entry on every exhaustion check.
	// Nil disables logging.
	Logger Logger
}

func (c CounterConfig) parse() CounterConfig {
	if c.MaxTries < 0 {
		c.MaxTries = 0
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

// CounterWatcher counts attempts per message id in a bounded LRU.
type CounterWatcher struct {
	maxTries int
	logger   Logger

	mu     sync.Mutex
	memory *simplelru.LRU[string, int]
}

// NewCounterWatcher creates a CounterWatcher.
func NewCounterWatcher(config CounterConfig) *CounterWatcher {
	config = config.parse()
	// NewLRU only fails for a non-positive size.
	memory, _ := simplelru.NewLRU[string, int](config.Capacity, nil)
	return &CounterWatcher{
		maxTries: config.MaxTries,
		logger:   config.Logger,
		memory:   memory,
	}
}

// MaxTries returns the configured retry budget.
func (w *CounterWatcher) MaxTries() int {
	return w.maxTries
}

// Add increments the attempt count of id.
func (w *CounterWatcher) Add(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, _ := w.memory.Get(id)
	w.memory.Add(id, n+1)
}

// IsExhausted reports whether id was attempted more than MaxTries times.
func (w *CounterWatcher) IsExhausted(id string) bool {
	n := w.Attempts(id)
	exhausted := n > w.maxTries
	if w.logger != nil {
		if exhausted {
			w.logger.Error("Retry budget exhausted, rejecting message",
				"message_id", id,
				"max_tries", w.maxTries)
		} else {
			w.logger.Error("Message processing failed, pushing back to queue",
				"message_id", id,
				"attempt", n)
		}
	}
	return exhausted
}

// Remove deletes the attempt count of id.
func (w *CounterWatcher) Remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.memory.Remove(id)
}

// Attempts returns the recorded attempts of id.
func (w *CounterWatcher) Attempts(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, _ := w.memory.Peek(id)
	return n
}

// Len returns the number of tracked message ids.
func (w *CounterWatcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.memory.Len()
}

// RetryMode selects the Watcher variant built by NewWatcher.
type RetryMode int

const (
	// RetryOnce rejects on the first failure. This is the default.
	RetryOnce RetryMode = iota
	// RetryEndless redelivers until the handler succeeds.
	RetryEndless
	// RetryCounter redelivers up to MaxTries times.
	RetryCounter
)

// String implements fmt.Stringer.
func (m RetryMode) String() string {
	switch m {
	case RetryEndless:
		return "endless"
	case RetryCounter:
		return "counter"
	default:
		return "once"
	}
}

// ParseRetryMode parses "once", "endless" or "counter" (case-insensitive).
// The empty string yields RetryOnce.
func ParseRetryMode(s string) (RetryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "once":
		return RetryOnce, nil
	case "endless":
		return RetryEndless, nil
	case "counter":
		return RetryCounter, nil
	}
	return RetryOnce, fmt.Errorf("delivery: unknown retry mode %q", s)
}

// RetryConfig configures the Watcher of a consumer.
type RetryConfig struct {
	// Mode selects the watcher variant. Default is RetryOnce.
	Mode RetryMode
	// MaxTries is used by RetryCounter.
	MaxTries int
	// Capacity is used by RetryCounter, see CounterConfig.
	Capacity int
	// Logger is used by RetryCounter, see CounterConfig.
	Logger Logger
}

// NewWatcher builds the Watcher described by config.
func NewWatcher(config RetryConfig) Watcher {
	switch config.Mode {
	case RetryEndless:
		return EndlessWatcher{}
	case RetryCounter:
		return NewCounterWatcher(CounterConfig{
			MaxTries: config.MaxTries,
			Capacity: config.Capacity,
			Logger:   config.Logger,
		})
	default:
		return OneTryWatcher{}
	}
}
