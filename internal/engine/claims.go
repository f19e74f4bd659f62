package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"raidline/internal/artifacts"
	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/repo"
)

type ClaimResult struct {
	Claim domain.Claim `json:"claim"`
	// Renewed is set when the caller already held the claim.
	Renewed bool `json:"renewed"`
}

type ReleaseResult struct {
	Path     string `json:"path"`
	Holder   string `json:"holder"`
	Notified string `json:"notified,omitempty"`
}

// ClaimFile grants agent an exclusive claim on path. When another agent holds
// it, the caller is queued and the call fails with AlreadyClaimed; the queue
// entry is kept.
func (e Engine) ClaimFile(ctx context.Context, agent, path string) (res ClaimResult, err error) {
	defer e.track(ctx, "claim_file", &err)
	path = artifacts.Normalize(path)
	if path == "" {
		return res, invalidArg("path is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if _, err := e.requireClass(ctx, tx, agent, auth.PermClaimAcquire); err != nil {
		return res, err
	}
	if err := e.ensureHealthy(ctx, tx, "claim", path); err != nil {
		return res, err
	}
	now := stamp(e.now())
	current, err := e.Repo.GetClaim(ctx, tx, path)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		c := domain.Claim{Path: path, Holder: agent, AcquiredAt: now}
		if err := e.Repo.InsertClaim(ctx, tx, c); err != nil {
			return res, err
		}
		if err := e.Repo.Dequeue(ctx, tx, path, agent); err != nil {
			return res, err
		}
		if err := e.appendEvent(ctx, tx, "claim.acquired", "claim", path, agent, nil); err != nil {
			return res, err
		}
		if c.Waitlist, err = e.Repo.ListWaitlist(ctx, tx, path); err != nil {
			return res, err
		}
		return ClaimResult{Claim: c}, tx.Commit()
	case err != nil:
		return res, err
	case current.Holder == agent:
		if current.Waitlist, err = e.Repo.ListWaitlist(ctx, tx, path); err != nil {
			return res, err
		}
		return ClaimResult{Claim: current, Renewed: true}, nil
	}

	if err := e.Repo.Enqueue(ctx, tx, path, agent, now); err != nil {
		return res, err
	}
	pos, err := e.Repo.WaitlistPosition(ctx, tx, path, agent)
	if err != nil {
		return res, err
	}
	if pos < 1 {
		return res, invariantViolation("claim", path, "%s queued but has no waitlist position", agent)
	}
	if err := e.appendEvent(ctx, tx, "claim.queued", "claim", path, agent, events.EventPayload{"holder": current.Holder, "position": pos}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, newError(KindConflict, CodeAlreadyClaimed,
		map[string]any{"path": path, "holder": current.Holder, "position": pos, "acquired_at": current.AcquiredAt},
		"%s is claimed by %s; you are queued at position %d", path, current.Holder, pos)
}

func (e Engine) ReleaseFile(ctx context.Context, agent, path string) (res ReleaseResult, err error) {
	defer e.track(ctx, "release_file", &err)
	path = artifacts.Normalize(path)
	if path == "" {
		return res, invalidArg("path is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if _, err := e.requireAgent(ctx, tx, agent); err != nil {
		return res, err
	}
	current, err := e.Repo.GetClaim(ctx, tx, path)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	if err != nil || current.Holder != agent {
		details := map[string]any{"path": path, "holder": nil}
		if err == nil {
			details["holder"] = current.Holder
		}
		return res, newError(KindConflict, CodeNotHolder, details, "%s does not hold %s", agent, path)
	}
	if err := e.ensureHealthy(ctx, tx, "claim", path); err != nil {
		return res, err
	}
	notified, err := e.releaseTx(ctx, tx, current, agent, "released")
	if err != nil {
		return res, err
	}
	return ReleaseResult{Path: path, Holder: agent, Notified: notified}, tx.Commit()
}

// ForceRelease removes another agent's claim.
func (e Engine) ForceRelease(ctx context.Context, caller, path string) (res ReleaseResult, err error) {
	defer e.track(ctx, "force_release", &err)
	path = artifacts.Normalize(path)
	if path == "" {
		return res, invalidArg("path is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if _, err := e.requireClass(ctx, tx, caller, auth.PermClaimForceRelease); err != nil {
		return res, err
	}
	current, err := e.Repo.GetClaim(ctx, tx, path)
	if errors.Is(err, repo.ErrNotFound) {
		return res, newError(KindNotFound, CodeUnknownClaim, map[string]any{"path": path}, "%s is not claimed", path)
	}
	if err != nil {
		return res, err
	}
	notified, err := e.releaseTx(ctx, tx, current, caller, "forced")
	if err != nil {
		return res, err
	}
	return ReleaseResult{Path: path, Holder: current.Holder, Notified: notified}, tx.Commit()
}

// releaseTx drops c and tells the waitlist head, and only the head, that the
// path is free. The head keeps its place until it claims or leaves.
func (e Engine) releaseTx(ctx context.Context, tx *sql.Tx, c domain.Claim, actor, reason string) (string, error) {
	if err := e.Repo.DeleteClaim(ctx, tx, c.Path); err != nil {
		return "", err
	}
	var notified string
	head, err := e.Repo.WaitlistHead(ctx, tx, c.Path)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return "", err
	default:
		body := fmt.Sprintf("%s is free (%s by %s); call claim_file to acquire it", c.Path, reason, actor)
		if _, err := e.deliverSystem(ctx, tx, head.Agent, body); err != nil {
			return "", err
		}
		if err := e.Repo.MarkNotified(ctx, tx, c.Path, head.Agent, stamp(e.now())); err != nil {
			return "", err
		}
		notified = head.Agent
	}
	if err := e.appendEvent(ctx, tx, "claim.released", "claim", c.Path, actor, events.EventPayload{
		"holder": c.Holder, "reason": reason, "notified": notified,
	}); err != nil {
		return "", err
	}
	return notified, nil
}

// GetClaims lists current claims with their waitlists, optionally for one holder.
func (e Engine) GetClaims(ctx context.Context, holder string) ([]domain.Claim, error) {
	claims, err := e.Repo.ListClaims(ctx, e.DB, holder)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		claims = []domain.Claim{}
	}
	return claims, nil
}
