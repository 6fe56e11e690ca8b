package retrypolicy

import (
	"testing"
	"time"

	"github.com/mattercrawl/engine/internal/crawlerr"
)

func TestDecide_ExponentialBackoffNoJitter(t *testing.T) {
	p := New(8, time.Second, 30*time.Second, 2.0, 0, []crawlerr.Kind{crawlerr.KindNetworkTimeout})
	err := crawlerr.New("fetch", crawlerr.KindNetworkTimeout, errTimeout)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // clamped from 32s
	}
	for i, w := range want {
		d := p.Decide(err, i+1)
		if !d.ShouldRetry {
			t.Fatalf("attempt %d: expected retry", i+1)
		}
		if d.Delay != w {
			t.Fatalf("attempt %d: got delay %v, want %v", i+1, d.Delay, w)
		}
	}
}

func TestDecide_GivesUpAtMaxAttempts(t *testing.T) {
	p := New(3, time.Second, 10*time.Second, 2.0, 0, []crawlerr.Kind{crawlerr.KindNetworkTimeout})
	err := crawlerr.New("fetch", crawlerr.KindNetworkTimeout, errTimeout)
	d := p.Decide(err, 3)
	if d.ShouldRetry {
		t.Fatal("expected give up at max attempts")
	}
}

func TestDecide_NonRetryableKindGivesUp(t *testing.T) {
	p := New(5, time.Second, 10*time.Second, 2.0, 0, []crawlerr.Kind{crawlerr.KindNetworkTimeout})
	err := crawlerr.New("parse", crawlerr.KindParseError, errTimeout)
	d := p.Decide(err, 1)
	if d.ShouldRetry {
		t.Fatal("expected give up for non-retryable kind")
	}
}

func TestBank_UnknownStage(t *testing.T) {
	b := NewBank(map[Stage]Policy{StageListCollection: New(3, time.Second, time.Second, 1, 0, nil)})
	if _, ok := b.Policy(StageDatabaseSave); ok {
		t.Fatal("expected unknown stage to be absent")
	}
}

var errTimeout = &simpleErr{"timeout"}

type simpleErr struct{ s string }

func (e *simpleErr) Error() string { return e.s }
