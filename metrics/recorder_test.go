package metrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerStateFirstSampleHasZeroRate(t *testing.T) {
	ts := &tickerState{}
	s := ts.sample(time.Now(), 100)
	if s.Rate != 0 {
		t.Errorf("first sample rate = %v, want 0 (no prior window to compute against)", s.Rate)
	}
	if s.Cumulative != 100 {
		t.Errorf("Cumulative = %d, want 100", s.Cumulative)
	}
}

func TestTickerStateZeroWindowHasZeroRate(t *testing.T) {
	ts := &tickerState{}
	now := time.Now()
	ts.sample(now, 10)
	// Same instant again: windowSeconds <= 0.
	s := ts.sample(now, 20)
	if s.Rate != 0 {
		t.Errorf("zero-width window rate = %v, want 0", s.Rate)
	}
}

func TestTickerStateCounterResetHasZeroRate(t *testing.T) {
	ts := &tickerState{}
	t0 := time.Now()
	ts.sample(t0, 1000)
	s := ts.sample(t0.Add(time.Second), 5)
	if s.Rate != 0 {
		t.Errorf("rate after a counter reset (cur < prev) = %v, want 0", s.Rate)
	}
	if s.Cumulative != 5 {
		t.Errorf("Cumulative should still track the reset value, got %d", s.Cumulative)
	}
}

func TestTickerStateNormalRateComputation(t *testing.T) {
	ts := &tickerState{}
	t0 := time.Now()
	ts.sample(t0, 0)
	s := ts.sample(t0.Add(2*time.Second), 20)
	if s.Rate != 10 {
		t.Errorf("rate over 2s for a delta of 20 = %v, want 10", s.Rate)
	}
}

func TestTickerStateLatestReturnsLastSample(t *testing.T) {
	ts := &tickerState{}
	ts.sample(time.Now(), 42)
	if got := ts.Latest().Cumulative; got != 42 {
		t.Errorf("Latest().Cumulative = %d, want 42", got)
	}
}

func TestRecorderRunSamplesOnlyConfiguredCounters(t *testing.T) {
	var basicCalls int32
	basic := func() int64 { return int64(atomic.AddInt32(&basicCalls, 1)) * 10 }

	r := NewRecorder(10*time.Millisecond, basic, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after its context was cancelled")
	}

	if atomic.LoadInt32(&basicCalls) == 0 {
		t.Error("basic counter should have been sampled at least once")
	}
	if got := r.Topic(); got.Timestamp.IsZero() == false {
		t.Errorf("Topic() should remain the zero Sample when no topic counter is configured, got %+v", got)
	}
}
