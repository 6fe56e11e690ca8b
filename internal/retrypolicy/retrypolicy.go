// Package retrypolicy holds the named, per-stage retry policies consulted
// by stage actors after a task reports a classified failure. A policy
// never runs anything itself; it only answers "retry after this delay" or
// "give up" given an error kind and the attempt number so far.
package retrypolicy

import (
	"math/rand/v2"
	"time"

	"github.com/mattercrawl/engine/internal/crawlerr"
)

// Stage names the four pipeline stages that carry their own retry policy.
type Stage string

const (
	StageListCollection   Stage = "list_collection"
	StageDetailCollection Stage = "detail_collection"
	StageDataValidation   Stage = "data_validation"
	StageDatabaseSave     Stage = "database_save"
)

// Policy is one named retry policy: exponential backoff with symmetric
// jitter, bounded attempts, and a closed set of retryable error kinds.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterRange       time.Duration
	RetryOn           map[crawlerr.Kind]struct{}

	rng *rand.Rand
}

// Decision is the outcome of consulting a Policy for a given failure.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
}

// New constructs a Policy. Each policy gets its own *rand.Rand (seeded from
// a process-level source) so retry timing across concurrently running
// stages never shares RNG state.
func New(maxAttempts int, base, max time.Duration, multiplier float64, jitter time.Duration, retryOn []crawlerr.Kind) Policy {
	set := make(map[crawlerr.Kind]struct{}, len(retryOn))
	for _, k := range retryOn {
		set[k] = struct{}{}
	}
	return Policy{
		MaxAttempts:       maxAttempts,
		BaseDelay:         base,
		MaxDelay:          max,
		BackoffMultiplier: multiplier,
		JitterRange:       jitter,
		RetryOn:           set,
		rng:               rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (p Policy) isRetryable(kind crawlerr.Kind) bool {
	_, ok := p.RetryOn[kind]
	return ok
}

// Decide answers whether the caller should retry err (classified as a
// *crawlerr.Error) having already attempted attemptNumber times (1-based),
// and if so, after what delay.
func (p Policy) Decide(err error, attemptNumber int) Decision {
	if attemptNumber >= p.MaxAttempts {
		return Decision{ShouldRetry: false}
	}
	kind, ok := crawlerr.KindOf(err)
	if !ok || !p.isRetryable(kind) {
		return Decision{ShouldRetry: false}
	}

	delay := time.Duration(float64(p.BaseDelay) * pow(p.BackoffMultiplier, attemptNumber-1))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterRange > 0 {
		r := p.rng
		// uniform(-JitterRange/2, +JitterRange/2)
		jitter := time.Duration(r.Int64N(int64(p.JitterRange))) - p.JitterRange/2
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return Decision{ShouldRetry: true, Delay: delay}
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Bank holds the four named policies for a session, constructed from
// config. An unknown stage name looked up via Policy is a configuration
// error caught at startup, not papered over with a default.
type Bank struct {
	policies map[Stage]Policy
}

// NewBank builds a Bank from a complete set of stage policies.
func NewBank(policies map[Stage]Policy) Bank {
	return Bank{policies: policies}
}

// Policy returns the named policy, or false if it was never configured.
func (b Bank) Policy(stage Stage) (Policy, bool) {
	p, ok := b.policies[stage]
	return p, ok
}

// WithMaxAttempts returns a copy of the bank with MaxAttempts overridden
// on every policy whose stage is set in stages — used by the planner's error-rate derived
// retry budget. An explicit per-stage config override always takes
// precedence over this; callers only call this for stages that were not
// explicitly configured.
func (b Bank) WithMaxAttempts(stages map[Stage]bool, maxAttempts int) Bank {
	next := make(map[Stage]Policy, len(b.policies))
	for stage, policy := range b.policies {
		if stages[stage] {
			policy.MaxAttempts = maxAttempts
		}
		next[stage] = policy
	}
	return Bank{policies: next}
}
