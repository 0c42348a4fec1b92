package logstream

import (
	"context"
	"time"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/metrics"
	"github.com/zeroechelon/outpost/pkg/types"
)

// Callback receives each newly delivered log batch, in order. Panics are
// caught inside the poll loop; a callback can never kill a subscription.
type Callback func(batch []types.LogEntry)

type subscription struct {
	dispatchID string
	agent      types.AgentKind
	callback   Callback
	lastTS     time.Time
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// Subscribe starts a polling loop delivering new log lines for a
// dispatch. Each message is delivered exactly once: the next poll starts
// one millisecond past the last delivered timestamp. Fails with Conflict
// when the dispatch already has a subscription.
func (s *Streamer) Subscribe(dispatchID string, agent types.AgentKind, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[dispatchID]; exists {
		return errdefs.Conflict("dispatch %s already has a log subscription", dispatchID)
	}

	sub := &subscription{
		dispatchID: dispatchID,
		agent:      agent,
		callback:   cb,
		lastTS:     time.Now().UTC(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	s.subs[dispatchID] = sub
	metrics.LogStreamSubscriptions.Inc()

	go s.poll(sub)
	return nil
}

// Unsubscribe stops a dispatch's polling loop. Unknown dispatches are a
// no-op.
func (s *Streamer) Unsubscribe(dispatchID string) {
	s.mu.Lock()
	sub, ok := s.subs[dispatchID]
	if ok {
		delete(s.subs, dispatchID)
	}
	s.mu.Unlock()

	if ok {
		close(sub.stopCh)
		<-sub.doneCh
		metrics.LogStreamSubscriptions.Dec()
	}
}

// StopAll tears down every subscription. Used at shutdown.
func (s *Streamer) StopAll() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.stopCh)
		<-sub.doneCh
		metrics.LogStreamSubscriptions.Dec()
	}
}

func (s *Streamer) poll(sub *subscription) {
	defer close(sub.doneCh)

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.deliver(sub)
		case <-sub.stopCh:
			return
		}
	}
}

func (s *Streamer) deliver(sub *subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PollingInterval)
	defer cancel()

	res, err := s.FetchLogs(ctx, FetchRequest{
		DispatchID: sub.dispatchID,
		Agent:      sub.agent,
		StartTime:  sub.lastTS,
		Limit:      MaxFetchLimit,
	})
	if err != nil {
		log.WithComponent("logstream").Warn().Err(err).
			Str("dispatch_id", sub.dispatchID).
			Msg("log poll failed")
		return
	}
	if len(res.Logs) == 0 {
		return
	}

	// Advance past the newest delivered line so the next poll never
	// re-delivers it.
	sub.lastTS = res.Logs[len(res.Logs)-1].Timestamp.Add(time.Millisecond)

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithComponent("logstream").Error().
					Str("dispatch_id", sub.dispatchID).
					Interface("panic", r).
					Msg("subscription callback panicked")
			}
		}()
		sub.callback(res.Logs)
	}()
}
