package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/repo"
)

type SendOptions struct {
	From    string
	To      string
	Body    string
	Trigger string
	CC      []string
}

// TriggerResult describes the side effect a trigger token applied.
type TriggerResult struct {
	Token    string `json:"token"`
	Effect   string `json:"effect"`
	Affected int64  `json:"affected,omitempty"`
	RaidID   int64  `json:"raid_id,omitempty"`
}

type SendResult struct {
	Message  domain.Message `json:"message"`
	CopiedTo []string       `json:"copied_to,omitempty"`
	Trigger  *TriggerResult `json:"trigger,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// ExpandRecipients returns the agents that receive a copy of a message from
// sender to recipient: the explicit cc list followed by the coordinator.
// Neither party of the original message, nor any duplicate, is copied.
// Broadcasts already reach everyone and produce no copies.
func ExpandRecipients(sender, recipient string, cc []string, coordinator string) []string {
	if recipient == domain.Broadcast {
		return nil
	}
	seen := map[string]bool{sender: true, recipient: true, "": true}
	var out []string
	for _, name := range append(append([]string(nil), cc...), coordinator) {
		name = strings.TrimSpace(name)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (e Engine) Send(ctx context.Context, opts SendOptions) (res SendResult, err error) {
	defer e.track(ctx, "send", &err)
	opts.To = strings.TrimSpace(opts.To)
	if opts.To == "" {
		return res, invalidArg("recipient is required")
	}
	if strings.TrimSpace(opts.Body) == "" {
		return res, invalidArg("message body is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	sender, err := e.requireAgent(ctx, tx, opts.From)
	if err != nil {
		return res, err
	}
	now := e.now()
	unread, err := e.Repo.UnreadCount(ctx, tx, sender.Name)
	if err != nil {
		return res, err
	}
	if unread > 0 {
		return res, e.rejectInbound(ctx, tx, sender.Name, now, newError(KindPreconditionFailed, CodeInboxNotClear,
			map[string]any{"unread": unread}, "%s has %d unread message(s); call check_inbox first", sender.Name, unread))
	}
	fresh := e.freshness(sender, now)
	if fresh.Stale() {
		return res, e.rejectInbound(ctx, tx, sender.Name, now,
			newError(KindPreconditionFailed, CodeStaleContext, fresh.details(), "%s", staleReminder(fresh)))
	}
	var effect string
	if opts.Trigger != "" {
		var ok bool
		effect, ok = e.Config.Triggers[opts.Trigger]
		if !ok {
			return res, newError(KindInvalidArgument, CodeUnknownTrigger,
				map[string]any{"trigger": opts.Trigger, "known": triggerTokens(e.Config)},
				"unknown trigger %s", opts.Trigger)
		}
	}
	if opts.To != domain.Broadcast {
		if _, err := e.requireAgent(ctx, tx, opts.To); err != nil {
			return res, err
		}
	}
	for _, name := range opts.CC {
		if _, err := e.requireAgent(ctx, tx, name); err != nil {
			return res, err
		}
	}
	coordinator, err := e.Repo.CoordinatorFor(ctx, tx, e.Config.CoordinatorClass, sender.Zone)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}

	msg := domain.Message{From: sender.Name, To: opts.To, Body: opts.Body, CreatedAt: stamp(now)}
	if opts.Trigger != "" {
		msg.Trigger = &opts.Trigger
	}
	if msg.ID, err = e.Repo.InsertMessage(ctx, tx, msg); err != nil {
		return res, err
	}
	copies := ExpandRecipients(sender.Name, opts.To, opts.CC, coordinator)
	for _, name := range copies {
		to := opts.To
		cp := domain.Message{From: sender.Name, To: name, Body: opts.Body, Trigger: msg.Trigger, IsCC: true, CCOriginalTo: &to, CreatedAt: msg.CreatedAt}
		if _, err := e.Repo.InsertMessage(ctx, tx, cp); err != nil {
			return res, err
		}
	}
	if err := e.Repo.TouchInbound(ctx, tx, sender.Name, stamp(now), false); err != nil {
		return res, err
	}
	if err := e.Repo.DeleteHeartbeat(ctx, tx, sender.Name); err != nil {
		return res, err
	}
	if err := e.appendEvent(ctx, tx, "message.sent", "message", fmt.Sprint(msg.ID), sender.Name, events.EventPayload{
		"to": msg.To, "trigger": opts.Trigger, "copied_to": copies,
	}); err != nil {
		return res, err
	}
	if effect != "" {
		tr, err := e.applyTrigger(ctx, tx, sender, opts.Trigger, effect, msg)
		if err != nil {
			return res, err
		}
		res.Trigger = &tr
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Message = msg
	res.CopiedTo = copies
	if sender.Transport == "terminal" {
		res.Warnings = append(res.Warnings, "terminal transport does not push messages; poll check_inbox for replies")
	}
	return res, nil
}

// rejectInbound commits a gated send rejection as inbound activity: the
// sender answered, so its pending heartbeat is cleared.
func (e Engine) rejectInbound(ctx context.Context, tx *sql.Tx, name string, now time.Time, rejection error) error {
	if err := e.Repo.TouchInbound(ctx, tx, name, stamp(now), false); err != nil {
		return err
	}
	if err := e.Repo.DeleteHeartbeat(ctx, tx, name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return rejection
}

func triggerTokens(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Triggers))
	for token := range cfg.Triggers {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// liveAssignmentStatuses are the statuses whose assignable gate a trigger flips.
var liveAssignmentStatuses = []string{"open", "assigned"}

// applyTrigger runs the dispatch table entry for token inside the send transaction.
func (e Engine) applyTrigger(ctx context.Context, tx *sql.Tx, sender domain.Agent, token, effect string, msg domain.Message) (TriggerResult, error) {
	tr := TriggerResult{Token: token, Effect: effect}
	now := stamp(e.now())
	switch effect {
	case config.EffectFreezeAssignments:
		if err := e.Repo.SetAssignmentsFrozen(ctx, tx, true, token, now); err != nil {
			return tr, err
		}
		n, err := e.Repo.SetAssignable(ctx, tx, liveAssignmentStatuses, false, now)
		if err != nil {
			return tr, err
		}
		tr.Affected = n
		if err := e.appendEvent(ctx, tx, "assignments.frozen", "task", "", sender.Name, events.EventPayload{"affected": n, "trigger": token}); err != nil {
			return tr, err
		}
	case config.EffectThawAssignments:
		if err := e.Policy.Require(sender.Class, auth.PermAssignmentsThaw); err != nil {
			return tr, err
		}
		n, err := e.thawTx(ctx, tx, sender.Name, token)
		if err != nil {
			return tr, err
		}
		tr.Affected = n
	case config.EffectLogBlocker:
		entry := domain.RaidLogEntry{Author: sender.Name, Body: msg.Body, Priority: "high", CreatedAt: now}
		id, err := e.Repo.InsertRaidEntry(ctx, tx, entry)
		if err != nil {
			return tr, err
		}
		tr.RaidID = id
		if err := e.appendEvent(ctx, tx, "raid.logged", "raid", fmt.Sprint(id), sender.Name, events.EventPayload{"priority": entry.Priority, "trigger": token}); err != nil {
			return tr, err
		}
	default:
		return tr, fmt.Errorf("trigger %s maps to unhandled effect %s", token, effect)
	}
	return tr, nil
}

type InboxResult struct {
	Agent    string           `json:"agent"`
	Messages []domain.Message `json:"messages"`
	Reminder string           `json:"reminder,omitempty"`
}

// CheckInbox drains the unread set for name. It is never gated.
func (e Engine) CheckInbox(ctx context.Context, name string) (res InboxResult, err error) {
	defer e.track(ctx, "check_inbox", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	a, err := e.requireAgent(ctx, tx, name)
	if err != nil {
		return res, err
	}
	msgs, err := e.Repo.UnreadMessages(ctx, tx, name)
	if err != nil {
		return res, err
	}
	var direct, broadcast []int64
	for i := range msgs {
		if msgs[i].To == domain.Broadcast {
			broadcast = append(broadcast, msgs[i].ID)
		} else {
			direct = append(direct, msgs[i].ID)
		}
		msgs[i].Read = true
	}
	now := e.now()
	if err := e.Repo.MarkRead(ctx, tx, name, direct); err != nil {
		return res, err
	}
	if err := e.Repo.AddReceipts(ctx, tx, name, broadcast, stamp(now)); err != nil {
		return res, err
	}
	if err := e.Repo.TouchInbound(ctx, tx, name, stamp(now), true); err != nil {
		return res, err
	}
	if err := e.Repo.DeleteHeartbeat(ctx, tx, name); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	docs, err := e.onboarding(a.Class)
	if err != nil {
		return res, err
	}
	res = InboxResult{Agent: name, Messages: msgs}
	if res.Messages == nil {
		res.Messages = []domain.Message{}
	}
	var reminders []string
	if len(docs) > 0 {
		reminders = append(reminders, fmt.Sprintf("if you have not this session, re-read %s before starting work", strings.Join(docs, " and ")))
	}
	if f := e.freshness(a, now); f.Stale() {
		reminders = append(reminders, staleReminder(f))
	}
	res.Reminder = strings.Join(reminders, "\n")
	return res, nil
}

// GetHistory returns the last count messages, oldest first. A zero count uses the configured default.
func (e Engine) GetHistory(ctx context.Context, count int) ([]domain.Message, error) {
	if count < 0 {
		return nil, invalidArg("count must be positive")
	}
	if count == 0 {
		count = e.Config.Messaging.HistoryCount
	}
	return e.Repo.History(ctx, e.DB, count)
}

type PurgeResult struct {
	Agent        string `json:"agent"`
	Deleted      int64  `json:"deleted"`
	Acknowledged int64  `json:"acknowledged"`
}

// PurgeInbox deletes direct messages to name older than olderThan and
// acknowledges broadcasts of the same age. Receipts of deleted messages cascade.
func (e Engine) PurgeInbox(ctx context.Context, name string, olderThan time.Duration) (res PurgeResult, err error) {
	defer e.track(ctx, "purge_inbox", &err)
	if olderThan < 0 {
		return res, invalidArg("older_than must not be negative")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if _, err := e.requireAgent(ctx, tx, name); err != nil {
		return res, err
	}
	if olderThan == 0 {
		olderThan = e.Config.Messaging.PurgeOlderThan
	}
	now := e.now()
	cutoff := stamp(now.Add(-olderThan))
	res.Agent = name
	if res.Deleted, err = e.Repo.PurgeDirect(ctx, tx, name, cutoff); err != nil {
		return res, err
	}
	if res.Acknowledged, err = e.Repo.AcknowledgeBroadcastsBefore(ctx, tx, name, cutoff, stamp(now)); err != nil {
		return res, err
	}
	if err := e.appendEvent(ctx, tx, "inbox.purged", "agent", name, name, events.EventPayload{
		"deleted": res.Deleted, "acknowledged": res.Acknowledged, "cutoff": cutoff,
	}); err != nil {
		return res, err
	}
	return res, tx.Commit()
}
