package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/crm"
	"leadpilot/utils"
)

// Result is the outcome of sending to one lead.
type Result struct {
	OK      bool
	Skipped bool
	Reason  string
	Err     error

	Subject    string
	Body       string
	ThreadLink string
	SentAt     time.Time
}

type (
	// ChooseFunc assigns a lead to one inbox from the pool.
	ChooseFunc func(lead *crm.Lead, pool []string) (string, error)
	// SendFunc performs the whole send for one lead on one inbox.
	SendFunc func(ctx context.Context, inbox string, lead *crm.Lead) *Result
	// ResultFunc is called once per processed lead, success or not, so the
	// caller can persist incrementally.
	ResultFunc func(lead *crm.Lead, inbox string, res *Result)
)

// Summary totals one dispatch run. Leftover leads were routed but never
// attempted because a cap was hit or the run was cancelled.
type Summary struct {
	Sent     int
	Failed   int
	Skipped  int
	Leftover int
}

// Dispatcher fans a batch of due leads across inboxes, one worker per
// inbox, pacing each send with human-like jitter and stopping at the caps.
type Dispatcher struct {
	Pool        []string
	JitterMin   time.Duration
	JitterMax   time.Duration
	PerInboxCap int // successful sends per inbox per run, 0 = unlimited
	GlobalCap   int // successful sends per run, 0 = unlimited
	Log         *logrus.Logger
}

// gate reserves global send slots so concurrent workers can never spend
// more than the cap between checking and sending.
type gate struct {
	mu   sync.Mutex
	cap  int
	used int
}

func (g *gate) reserve() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cap > 0 && g.used >= g.cap {
		return false
	}
	g.used++
	return true
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used--
}

// Run routes the leads and drains every inbox queue in parallel. It
// returns when all queues are drained, the global cap is hit, or the
// context is cancelled. In-flight sends are never interrupted; workers
// stop between items.
func (d *Dispatcher) Run(ctx context.Context, leads []*crm.Lead, choose ChooseFunc, send SendFunc, onResult ResultFunc) Summary {
	queues := d.route(leads, choose)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := &gate{cap: d.GlobalCap}

	var (
		mu      sync.Mutex
		summary Summary
		wg      sync.WaitGroup
	)
	for inbox, queue := range queues {
		if len(queue) == 0 {
			continue
		}
		wg.Add(1)
		go func(inbox string, queue []*crm.Lead) {
			defer wg.Done()
			local := d.drain(ctx, cancel, g, inbox, queue, send, onResult)
			mu.Lock()
			summary.Sent += local.Sent
			summary.Failed += local.Failed
			summary.Skipped += local.Skipped
			summary.Leftover += local.Leftover
			mu.Unlock()
		}(inbox, queue)
	}
	wg.Wait()
	return summary
}

func (d *Dispatcher) route(leads []*crm.Lead, choose ChooseFunc) map[string][]*crm.Lead {
	queues := make(map[string][]*crm.Lead, len(d.Pool))
	rr := 0
	for _, lead := range leads {
		inbox, err := choose(lead, d.Pool)
		if err != nil || inbox == "" {
			if len(d.Pool) == 0 {
				continue
			}
			// Routing failure falls back to round-robin rather than
			// dropping the lead.
			inbox = d.Pool[rr%len(d.Pool)]
			rr++
			if d.Log != nil {
				d.Log.WithField("lead", lead.Email()).WithError(err).
					Warn("inbox routing failed, using round-robin")
			}
		}
		queues[inbox] = append(queues[inbox], lead)
	}
	return queues
}

func (d *Dispatcher) drain(ctx context.Context, cancel context.CancelFunc, g *gate, inbox string, queue []*crm.Lead, send SendFunc, onResult ResultFunc) Summary {
	var local Summary
	sent := 0
	for i, lead := range queue {
		if ctx.Err() != nil {
			local.Leftover += len(queue) - i
			return local
		}
		if d.PerInboxCap > 0 && sent >= d.PerInboxCap {
			local.Leftover += len(queue) - i
			return local
		}
		if !g.reserve() {
			// Global cap spent; tell every worker to wind down.
			cancel()
			local.Leftover += len(queue) - i
			return local
		}

		if !d.pace(ctx) {
			g.release()
			local.Leftover += len(queue) - i
			return local
		}

		res := send(ctx, inbox, lead)
		if res == nil {
			res = &Result{Reason: "no_result"}
		}
		switch {
		case res.OK:
			sent++
			local.Sent++
		case res.Skipped:
			g.release()
			local.Skipped++
		default:
			g.release()
			local.Failed++
			if d.Log != nil {
				d.Log.WithFields(logrus.Fields{
					"lead":  lead.Email(),
					"inbox": inbox,
				}).WithError(res.Err).Error("send failed")
			}
		}
		if onResult != nil {
			onResult(lead, inbox, res)
		}
	}
	return local
}

// pace sleeps the randomized jitter interval, returning false when the run
// was cancelled mid-sleep.
func (d *Dispatcher) pace(ctx context.Context) bool {
	if d.JitterMax <= 0 {
		return ctx.Err() == nil
	}
	delay := utils.JitterBetween(d.JitterMin, d.JitterMax)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
