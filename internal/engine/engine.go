package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"raidline/internal/artifacts"
	"raidline/internal/config"
	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/observability"
	"raidline/internal/repo"
)

// Engine applies every coordination operation as one transaction against the store.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Artifacts artifacts.Store
	Policy    auth.Policy
	Config    *config.Config
	Logger    zerolog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	root := "."
	if cfg != nil && cfg.Artifacts.Root != "" {
		root = cfg.Artifacts.Root
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{},
		Artifacts: artifacts.NewOS(root),
		Policy:    auth.Policy{Config: cfg},
		Config:    cfg,
		Logger:    zerolog.Nop(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseStamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	return e.DB.BeginTx(ctx, nil)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actor string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, entityKind, entityID, actor, payload)
}

// track records the outcome of op. It runs after the operation's transaction
// has been rolled back or committed, so it may open its own.
func (e Engine) track(ctx context.Context, op string, errp *error) {
	err := *errp
	kind, code := Classify(err)
	observability.RecordOperation(op, string(kind), code)
	if err == nil {
		return
	}
	if kind == "" {
		e.Logger.Error().Err(err).Str("op", op).Msg("operation failed")
		return
	}
	e.Logger.Debug().Str("op", op).Str("kind", string(kind)).Str("code", code).Msg(err.Error())
	if kind == KindInvariantViolation && code == CodeInternalInvariant {
		details := DetailsOf(err)
		entityKind, _ := details["entity_kind"].(string)
		entityID, _ := details["entity_id"].(string)
		if qerr := e.recordQuarantine(ctx, entityKind, entityID, err.Error()); qerr != nil {
			e.Logger.Error().Err(qerr).Str("entity_kind", entityKind).Str("entity_id", entityID).Msg("quarantine failed")
		}
	}
}

func invariantViolation(entityKind, entityID, format string, args ...any) *Error {
	return newError(KindInvariantViolation, CodeInternalInvariant,
		map[string]any{"entity_kind": entityKind, "entity_id": entityID},
		"invariant violated on %s %s: %s", entityKind, entityID, fmt.Sprintf(format, args...))
}

func (e Engine) recordQuarantine(ctx context.Context, entityKind, entityID, reason string) error {
	if entityKind == "" || entityID == "" {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.Quarantine(ctx, tx, entityKind, entityID, reason, stamp(e.now())); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, "entity.quarantined", entityKind, entityID, domain.SystemSender, events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	e.Logger.Error().Str("entity_kind", entityKind).Str("entity_id", entityID).Str("reason", reason).Msg("entity quarantined")
	return tx.Commit()
}

// ensureHealthy refuses writes to a quarantined entity.
func (e Engine) ensureHealthy(ctx context.Context, tx *sql.Tx, entityKind, entityID string) error {
	reason, err := e.Repo.QuarantineReason(ctx, tx, entityKind, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return newError(KindInvariantViolation, CodeQuarantined,
		map[string]any{"entity_kind": entityKind, "entity_id": entityID, "reason": reason},
		"%s %s is quarantined: %s", entityKind, entityID, reason)
}

// requireAgent loads a registered agent.
func (e Engine) requireAgent(ctx context.Context, q repo.DBTX, name string) (domain.Agent, error) {
	if name == "" {
		return domain.Agent{}, invalidArg("agent name is required")
	}
	a, err := e.Repo.GetAgent(ctx, q, name)
	if errors.Is(err, repo.ErrNotFound) {
		return a, unknownAgent(name)
	}
	return a, err
}

// requireClass loads the caller and checks its class holds perm.
func (e Engine) requireClass(ctx context.Context, q repo.DBTX, name, perm string) (domain.Agent, error) {
	a, err := e.requireAgent(ctx, q, name)
	if err != nil {
		return a, err
	}
	if err := e.Policy.Require(a.Class, perm); err != nil {
		return a, err
	}
	return a, nil
}

// deliverSystem writes an ungated notification from the service itself.
func (e Engine) deliverSystem(ctx context.Context, tx *sql.Tx, to, body string) (int64, error) {
	return e.Repo.InsertMessage(ctx, tx, domain.Message{
		From:      domain.SystemSender,
		To:        to,
		Body:      body,
		CreatedAt: stamp(e.now()),
	})
}
