package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/audit"
	"leadpilot/config"
	"leadpilot/crm"
	"leadpilot/dispatch"
	"leadpilot/generation"
	"leadpilot/mailer"
	"leadpilot/sendwindow"
	"leadpilot/sequence"
	"leadpilot/state"
	"leadpilot/thread"
	"leadpilot/verifier"
)

// Stats summarizes one engine tick.
type Stats struct {
	Loaded     int
	Eligible   int
	Actionable int
	// WindowReason is set when the whole tick was refused by the send
	// window before any lead was considered.
	WindowReason string

	dispatch.Summary
}

// Engine runs one follow-up tick: load the CRM, decide per lead, fan the
// due leads across inboxes, and persist every outcome as it happens.
type Engine struct {
	CRM        crm.Store
	Fields     *crm.FieldsMap
	State      *state.Store
	Policy     *sendwindow.Policy
	Decider    *sequence.Decider
	Drafter    generation.Drafter
	Transport  mailer.Transport
	Dispatcher *dispatch.Dispatcher
	Inboxes    config.InboxPool
	Verifier   *verifier.Verifier
	Audit      *audit.Trail
	Log        *logrus.Logger

	SequenceID   string
	BypassWindow bool
}

func (e *Engine) sequenceID() string {
	if e.SequenceID == "" {
		return "opener_followups"
	}
	return e.SequenceID
}

func (e *Engine) checkWindow(inbox string, dryRun bool) (bool, string, error) {
	if e.BypassWindow {
		return e.Policy.CheckBypassWindow(inbox, dryRun)
	}
	return e.Policy.Check(inbox, dryRun)
}

// RunTick processes every eligible lead for one client. A closed send
// window is a normal outcome, not an error.
func (e *Engine) RunTick(ctx context.Context, client string) (Stats, error) {
	var stats Stats

	rows, err := e.CRM.All()
	if err != nil {
		return stats, err
	}
	stats.Loaded = len(rows)

	leads := e.eligibleLeads(rows, client)
	stats.Eligible = len(leads)
	if len(leads) == 0 {
		return stats, nil
	}

	allowed, reason, err := e.checkWindow("", true)
	if err != nil {
		return stats, err
	}
	if !allowed {
		stats.WindowReason = reason
		if e.Log != nil {
			e.Log.WithField("reason", reason).Info("send window closed, tick skipped")
		}
		return stats, nil
	}

	actions := make(map[string]*sequence.NextAction)
	var due []*crm.Lead
	for _, lead := range leads {
		e.backfillDeliverability(lead)

		dec, err := e.Decider.Decide(ctx, lead)
		if err != nil {
			e.appendAudit(audit.Event{
				Kind: "failure", Client: client, Lead: lead.Email(),
				Detail: err.Error(),
			})
			continue
		}
		if len(dec.Annotations) > 0 {
			if merr := e.CRM.Merge(lead.Email(), dec.Annotations); merr != nil && e.Log != nil {
				e.Log.WithError(merr).WithField("lead", lead.Email()).Warn("annotation merge failed")
			}
		}
		if dec.Action == nil {
			e.appendAudit(audit.Event{
				Kind: "skip", Client: client, Lead: lead.Email(),
				Reason: dec.SkipReason,
			})
			continue
		}
		actions[lead.Email()] = dec.Action
		due = append(due, lead)
	}
	stats.Actionable = len(due)
	if len(due) == 0 {
		return stats, nil
	}

	choose := func(lead *crm.Lead, _ []string) (string, error) {
		act := actions[lead.Email()]
		return strings.ToLower(act.Inbox.Email), nil
	}
	send := func(ctx context.Context, inboxEmail string, lead *crm.Lead) *dispatch.Result {
		return e.sendOne(ctx, inboxEmail, lead, actions[lead.Email()])
	}
	onResult := func(lead *crm.Lead, inboxEmail string, res *dispatch.Result) {
		act := actions[lead.Email()]
		ev := audit.Event{
			Client: client,
			Lead:   lead.Email(),
			Step:   act.Step,
			Inbox:  inboxEmail,
		}
		switch {
		case res.OK:
			ev.Kind = "send"
			ev.ThreadLink = res.ThreadLink
		case res.Skipped:
			ev.Kind = "skip"
			ev.Reason = res.Reason
		default:
			ev.Kind = "failure"
			ev.Reason = res.Reason
			if res.Err != nil {
				ev.Detail = res.Err.Error()
			}
		}
		e.appendAudit(ev)
	}

	stats.Summary = e.Dispatcher.Run(ctx, due, choose, send, onResult)
	return stats, nil
}

func (e *Engine) eligibleLeads(rows []crm.Row, client string) []*crm.Lead {
	var leads []*crm.Lead
	for _, row := range rows {
		lead := crm.NewLead(row, e.Fields)
		if client != "" && !strings.EqualFold(strings.TrimSpace(lead.Client()), client) {
			continue
		}
		if !sequence.Eligible(lead) {
			continue
		}
		leads = append(leads, lead)
	}
	return leads
}

// backfillDeliverability classifies addresses the CRM has not verified
// yet, so the decider's safety gate has something to work with.
func (e *Engine) backfillDeliverability(lead *crm.Lead) {
	if e.Verifier == nil {
		return
	}
	cur := strings.TrimSpace(lead.Deliverability())
	if cur != "" && !strings.EqualFold(cur, crm.DeliverabilityUnknown) {
		return
	}
	cls := e.Verifier.Classify(lead.Email())
	lead.Row[lead.Fields.Deliverability] = cls
	if err := e.CRM.Merge(lead.Email(), map[string]string{lead.Fields.Deliverability: cls}); err != nil && e.Log != nil {
		e.Log.WithError(err).WithField("lead", lead.Email()).Warn("deliverability merge failed")
	}
}

// sendOne is the per-lead send path run inside a dispatch worker: recheck
// the stop flag, draft, dedupe, charge the window, send, persist.
func (e *Engine) sendOne(ctx context.Context, inboxEmail string, lead *crm.Lead, act *sequence.NextAction) *dispatch.Result {
	stop, err := e.State.ShouldStopAll(lead.Email())
	if err != nil {
		return &dispatch.Result{Err: err, Reason: "state_read_failed"}
	}
	if stop {
		// A reply can land between the decide pass and this worker's turn.
		return &dispatch.Result{Skipped: true, Reason: sequence.SkipReplied}
	}

	dc := generation.BuildContext(lead, act.Step)
	draft, err := e.Drafter.Draft(ctx, act.Step, dc)
	if err != nil {
		return &dispatch.Result{Err: err, Reason: "draft_failed"}
	}

	stepID := "fu" + strconv.Itoa(act.Step)
	idem := idemHash(lead.Email(), e.sequenceID(), stepID, draft.Subject, draft.Body)
	sent, err := e.State.AlreadySent(lead.Email(), e.sequenceID(), stepID, idem)
	if err != nil {
		return &dispatch.Result{Err: err, Reason: "state_read_failed"}
	}
	if sent {
		return &dispatch.Result{Skipped: true, Reason: "already_sent"}
	}

	allowed, reason, err := e.checkWindow(inboxEmail, false)
	if err != nil {
		return &dispatch.Result{Err: err, Reason: "window_check_failed"}
	}
	if !allowed {
		return &dispatch.Result{Skipped: true, Reason: reason}
	}

	inbox, found := e.Inboxes.ByEmail(inboxEmail)
	if !found {
		return &dispatch.Result{Skipped: true, Reason: sequence.SkipNoOwner}
	}

	// Mark the attempt before the transport call so an interrupted run is
	// visible in the CRM.
	if err := e.CRM.Merge(lead.Email(), map[string]string{
		e.Fields.MessagingStatus: crm.MessagingPending,
	}); err != nil && e.Log != nil {
		e.Log.WithError(err).WithField("lead", lead.Email()).Warn("pending merge failed")
	}

	res, err := e.Transport.Send(ctx, inbox, lead.Email(), draft.Subject, draft.Body, thread.LinkToID(act.ThreadLink))
	if err != nil {
		if merr := e.CRM.Merge(lead.Email(), map[string]string{
			e.Fields.FollowupBounce(act.Step): "send_failed",
		}); merr != nil && e.Log != nil {
			e.Log.WithError(merr).WithField("lead", lead.Email()).Warn("bounce merge failed")
		}
		return &dispatch.Result{Err: err, Reason: "send_failed"}
	}

	sentAt := res.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	link := act.ThreadLink
	if link == "" && res.ThreadRef != "" {
		link = thread.IDToLink(res.ThreadRef)
	}

	if err := e.State.MarkSent(lead.Email(), e.sequenceID(), stepID, idem, sentAt); err != nil {
		return &dispatch.Result{Err: err, Reason: "state_write_failed"}
	}
	stage := sequence.StageForStep(act.Step)
	if err := e.State.Advance(lead.Email(), e.sequenceID(), stage, nil); err != nil {
		return &dispatch.Result{Err: err, Reason: "state_write_failed"}
	}

	updates := e.Fields.LastSentFields(sentAt)
	updates[e.Fields.Stage] = stage
	updates[e.Fields.MessagingStatus] = crm.MessagingSent
	updates[e.Fields.FollowupSubject(act.Step)] = draft.Subject
	updates[e.Fields.FollowupBody(act.Step)] = draft.Body
	updates[e.Fields.FollowupTime(act.Step)] = sentAt.Format("15:04:05")
	updates[e.Fields.FollowupDate(act.Step)] = sentAt.Format("2006-01-02")
	updates[e.Fields.FollowupBounce(act.Step)] = ""
	if link != "" {
		updates[e.Fields.ThreadLink] = link
	}
	if err := e.CRM.Merge(lead.Email(), updates); err != nil && e.Log != nil {
		e.Log.WithError(err).WithField("lead", lead.Email()).Error("post-send merge failed")
	}

	return &dispatch.Result{
		OK:         true,
		Subject:    draft.Subject,
		Body:       draft.Body,
		ThreadLink: link,
		SentAt:     sentAt,
	}
}

func (e *Engine) appendAudit(ev audit.Event) {
	if e.Audit != nil {
		e.Audit.Append(ev)
	}
}

func idemHash(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
