package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/observability"
	"raidline/internal/repo"
)

// Heartbeat starts a liveness probe on target. If target neither sends nor
// checks its inbox before the deadline, the sweeper deregisters it.
func (e Engine) Heartbeat(ctx context.Context, caller, target string) (h domain.Heartbeat, err error) {
	defer e.track(ctx, "heartbeat", &err)
	if caller == target {
		return h, invalidArg("an agent cannot heartbeat itself")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return h, err
	}
	defer tx.Rollback()
	if _, err := e.requireClass(ctx, tx, caller, auth.PermHeartbeatStart); err != nil {
		return h, err
	}
	if _, err := e.requireAgent(ctx, tx, target); err != nil {
		return h, err
	}
	now := e.now()
	h = domain.Heartbeat{
		Target:      target,
		RequestedBy: caller,
		StartedAt:   stamp(now),
		Deadline:    stamp(now.Add(e.Config.Heartbeat.Timeout)),
	}
	if err := e.Repo.UpsertHeartbeat(ctx, tx, h); err != nil {
		return h, err
	}
	body := fmt.Sprintf("heartbeat from %s: call check_inbox or send before %s or you will be deregistered", caller, h.Deadline)
	if _, err := e.deliverSystem(ctx, tx, target, body); err != nil {
		return h, err
	}
	if err := e.appendEvent(ctx, tx, "heartbeat.started", "agent", target, caller, events.EventPayload{"deadline": h.Deadline}); err != nil {
		return h, err
	}
	return h, tx.Commit()
}

// Reaped describes one agent removed by the sweeper.
type Reaped struct {
	Agent    string   `json:"agent"`
	Released []string `json:"released,omitempty"`
}

// Sweep deregisters every heartbeat target whose deadline passed without
// inbound activity. Each target is handled in its own transaction.
func (e Engine) Sweep(ctx context.Context) ([]Reaped, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	due, err := e.Repo.ListHeartbeats(ctx, e.DB, stamp(e.now()))
	if err != nil {
		return nil, err
	}
	var reaped []Reaped
	for _, h := range due {
		r, err := e.reap(ctx, h)
		if err != nil {
			e.Logger.Error().Err(err).Str("agent", h.Target).Msg("heartbeat sweep failed")
			continue
		}
		if r != nil {
			reaped = append(reaped, *r)
		}
	}
	observability.RecordReaped(len(reaped))
	return reaped, nil
}

func (e Engine) reap(ctx context.Context, h domain.Heartbeat) (r *Reaped, err error) {
	defer e.track(ctx, "heartbeat_reap", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Send and CheckInbox delete the row, so a surviving row means no reply.
	pending, err := e.Repo.GetHeartbeat(ctx, tx, h.Target)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if pending.StartedAt != h.StartedAt {
		return nil, nil
	}
	a, err := e.Repo.GetAgent(ctx, tx, h.Target)
	if errors.Is(err, repo.ErrNotFound) {
		if err := e.Repo.DeleteHeartbeat(ctx, tx, h.Target); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}
	if err := e.ensureHealthy(ctx, tx, "agent", a.Name); err != nil {
		return nil, err
	}
	released, err := e.deregisterTx(ctx, tx, domain.SystemSender, a.Name, true)
	if err != nil {
		return nil, err
	}
	if ok, err := e.Repo.AgentExists(ctx, tx, h.RequestedBy); err != nil {
		return nil, err
	} else if ok {
		body := fmt.Sprintf("%s missed its heartbeat deadline and was deregistered; released %d claim(s)", a.Name, len(released))
		if _, err := e.deliverSystem(ctx, tx, h.RequestedBy, body); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Logger.Info().Str("agent", a.Name).Strs("released", released).Msg("heartbeat expired; agent deregistered")
	return &Reaped{Agent: a.Name, Released: released}, nil
}

// Sweeper runs Sweep on an interval until its context is cancelled.
type Sweeper struct {
	Engine   Engine
	Interval time.Duration
	Logger   zerolog.Logger
}

func (s Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if reaped, err := s.Engine.Sweep(ctx); err != nil {
			s.Logger.Error().Err(err).Msg("heartbeat sweep failed")
		} else if len(reaped) > 0 {
			s.Logger.Info().Int("reaped", len(reaped)).Msg("heartbeat sweep")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
