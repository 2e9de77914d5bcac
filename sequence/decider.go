package sequence

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/config"
	"leadpilot/crm"
	"leadpilot/state"
)

// Skip reasons, in the order the rules are checked.
const (
	SkipReplied        = "replied"
	SkipDeliverability = "deliverability_not_safe"
	SkipNoNextFollowup = "no_next_followup"
	SkipDelayNotMet    = "delay_not_met"
	SkipNoOwner        = "no_owner_assigned"
	SkipNoThreadLink   = "no_thread_link"
)

// NextAction is a green light to send one follow-up.
type NextAction struct {
	Step       int
	Inbox      config.Inbox
	ThreadLink string
}

// Decision is either an action or a skip with its reason. Annotations are
// CRM field updates the caller should merge regardless of outcome.
type Decision struct {
	Action      *NextAction
	SkipReason  string
	Annotations map[string]string
}

// ThreadResolver guarantees replies land in the existing conversation.
type ThreadResolver interface {
	EnsureThread(ctx context.Context, lead *crm.Lead, inbox *config.Inbox) (string, error)
}

// Decider is the per-lead sequence state machine. It only decides and
// annotates; it never sends.
type Decider struct {
	State   *state.Store
	Delays  DelayTable
	Inboxes config.InboxPool
	Threads ThreadResolver
	Log     *logrus.Logger
	Now     func() time.Time
}

// Eligible is the upstream filter: leads with no address or a blank stage
// never reach Decide.
func Eligible(lead *crm.Lead) bool {
	return lead.Email() != "" && strings.TrimSpace(lead.Stage()) != ""
}

func (d *Decider) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Decider) skip(reason string, ann map[string]string) Decision {
	return Decision{SkipReason: reason, Annotations: ann}
}

// Decide computes the next touch for one lead, or a skip reason. The
// durable lead state always wins over the CRM row's own columns.
func (d *Decider) Decide(ctx context.Context, lead *crm.Lead) (Decision, error) {
	stop, err := d.State.ShouldStopAll(lead.Email())
	if err != nil {
		return Decision{}, err
	}
	if stop || lead.Responded() {
		return d.skip(SkipReplied, map[string]string{
			lead.Fields.MessagingStatus: crm.MessagingPaused,
		}), nil
	}

	if lead.Deliverability() != crm.DeliverabilitySafe {
		return d.skip(SkipDeliverability, nil), nil
	}

	st := ParseStage(lead.Stage())
	step, ok := NextStep(st)
	if !ok {
		return d.skip(SkipNoNextFollowup, nil), nil
	}

	lastSent, hasLast := lead.LastSentAt()
	if !d.Delays.Met(lead.Stage(), lastSent, hasLast, d.now()) {
		return d.skip(SkipDelayNotMet, nil), nil
	}

	owner := lead.Owner()
	if owner == "" {
		return d.skip(SkipNoOwner, nil), nil
	}
	inbox, found := d.Inboxes.ByEmail(owner)
	if !found {
		return d.skip(SkipNoOwner, nil), nil
	}

	link := lead.ThreadLink()
	if d.Threads != nil {
		resolved, err := d.Threads.EnsureThread(ctx, lead, inbox)
		if err != nil {
			if d.Log != nil {
				d.Log.WithFields(logrus.Fields{
					"lead":  lead.Email(),
					"inbox": inbox.Email,
				}).WithError(err).Warn("thread resolution failed")
			}
			return d.skip(SkipNoThreadLink, nil), nil
		}
		link = resolved
	}
	if link == "" {
		return d.skip(SkipNoThreadLink, nil), nil
	}

	return Decision{
		Action: &NextAction{
			Step:       step,
			Inbox:      *inbox,
			ThreadLink: link,
		},
	}, nil
}
