// Package metrics extends the teacher's single-gauge Stat/RefreshUptime
// shape (stat.go) into five independent background tickers, each sampling
// a monotonic counter class and computing a per-window rate.
package metrics

import (
	"context"
	"math"
	"sync"
	"time"
)

// Sample is one ticker's latest observation of a counter class.
type Sample struct {
	Timestamp  time.Time
	Cumulative int64
	Rate       float64
}

// Counter is the minimal surface a counter class exposes to its ticker:
// a monotonic (or monotonic-until-reset) cumulative value.
type Counter func() int64

// tickerState tracks one counter class's previous sample so the next tick
// can compute a rate.
type tickerState struct {
	mu     sync.RWMutex
	latest Sample
	prev   int64
	prevAt time.Time
}

func (t *tickerState) sample(now time.Time, cur int64) Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	windowSeconds := now.Sub(t.prevAt).Seconds()
	var rate float64
	switch {
	case t.prevAt.IsZero() || windowSeconds <= 0:
		rate = 0
	case cur < t.prev:
		// counter reset
		rate = 0
	default:
		rate = math.Round(float64(cur-t.prev) / windowSeconds)
	}

	t.latest = Sample{Timestamp: now, Cumulative: cur, Rate: rate}
	t.prev = cur
	t.prevAt = now
	return t.latest
}

func (t *tickerState) Latest() Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// Recorder runs five independently cancellable tickers — basic, topic,
// session, subscribe, connector — each sampling its own counter on its
// own period and storing (timestamp, cumulative, rate).
type Recorder struct {
	period time.Duration

	basic      *tickerState
	topic      *tickerState
	session    *tickerState
	subscribe  *tickerState
	connector  *tickerState

	basicCounter     Counter
	topicCounter     Counter
	sessionCounter   Counter
	subscribeCounter Counter
	connectorCounter Counter
}

// NewRecorder builds a Recorder sampling every period (matching
// time_window_ms in the external configuration).
func NewRecorder(period time.Duration, basic, topic, session, subscribe, connector Counter) *Recorder {
	return &Recorder{
		period:           period,
		basic:            &tickerState{},
		topic:            &tickerState{},
		session:          &tickerState{},
		subscribe:        &tickerState{},
		connector:        &tickerState{},
		basicCounter:     basic,
		topicCounter:     topic,
		sessionCounter:   session,
		subscribeCounter: subscribe,
		connectorCounter: connector,
	}
}

// Run starts all five tickers; each selects on ctx.Done() as its shared
// broadcast stop signal and returns once every ticker has stopped.
func (r *Recorder) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range []struct {
		state   *tickerState
		counter Counter
	}{
		{r.basic, r.basicCounter},
		{r.topic, r.topicCounter},
		{r.session, r.sessionCounter},
		{r.subscribe, r.subscribeCounter},
		{r.connector, r.connectorCounter},
	} {
		if t.counter == nil {
			continue
		}
		wg.Add(1)
		go func(state *tickerState, counter Counter) {
			defer wg.Done()
			r.runTicker(ctx, state, counter)
		}(t.state, t.counter)
	}
	wg.Wait()
}

func (r *Recorder) runTicker(ctx context.Context, state *tickerState, counter Counter) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			state.sample(now, counter())
		}
	}
}

// Basic, Topic, Session, Subscribe, Connector return the latest sample
// from each respective ticker.
func (r *Recorder) Basic() Sample     { return r.basic.Latest() }
func (r *Recorder) Topic() Sample     { return r.topic.Latest() }
func (r *Recorder) Session() Sample   { return r.session.Latest() }
func (r *Recorder) Subscribe() Sample { return r.subscribe.Latest() }
func (r *Recorder) Connector() Sample { return r.connector.Latest() }
