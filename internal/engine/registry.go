package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/repo"
)

// RegisterOptions are parameters for joining the party.
type RegisterOptions struct {
	Name        string
	Class       string
	Model       string
	Transport   string
	Description string
	Zone        string
}

type RegisterResult struct {
	Agent        domain.Agent `json:"agent"`
	Permissions  []string     `json:"permissions"`
	StaleAfter   string       `json:"stale_after"`
	Acknowledged int64        `json:"acknowledged_broadcasts"`
	Onboarding   []string     `json:"onboarding,omitempty"`
}

// ProtocolDoc is the workspace-wide protocol every agent reads on joining.
const ProtocolDoc = "PROTOCOL.md"

// ClassProfile is the per-class onboarding document.
func ClassProfile(class string) string {
	return "classes/" + class + ".md"
}

// onboarding lists the protocol and class profile artifacts that exist.
func (e Engine) onboarding(class string) ([]string, error) {
	var out []string
	for _, p := range []string{ProtocolDoc, ClassProfile(class)} {
		ok, err := e.Artifacts.Exists(p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func reservedName(name string) bool {
	return name == domain.Broadcast || name == domain.SystemSender
}

func (e Engine) Register(ctx context.Context, opts RegisterOptions) (res RegisterResult, err error) {
	defer e.track(ctx, "register", &err)
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return res, invalidArg("name is required")
	}
	if reservedName(opts.Name) {
		return res, invalidArg("name %s is reserved", opts.Name)
	}
	if opts.Transport == "" {
		opts.Transport = "terminal"
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	cl, ok := e.Config.Class(opts.Class)
	if !ok {
		return res, newError(KindInvalidArgument, CodeUnknownClass, map[string]any{"class": opts.Class}, "unknown class %s", opts.Class)
	}
	if !e.Config.AllowsTransport(opts.Transport) {
		return res, invalidArg("transport must be one of %s", strings.Join(e.Config.Transports, ", "))
	}
	if !e.Policy.ModelAllowed(opts.Class, opts.Model) {
		return res, newError(KindPreconditionFailed, CodeModelNotAllowed,
			map[string]any{"class": opts.Class, "model": opts.Model, "allowed": cl.Models},
			"model %s is not allowed for class %s", opts.Model, opts.Class)
	}
	exists, err := e.Repo.AgentExists(ctx, tx, opts.Name)
	if err != nil {
		return res, err
	}
	if exists {
		return res, newError(KindConflict, CodeDuplicateIdentity, map[string]any{"agent": opts.Name}, "agent %s is already registered", opts.Name)
	}
	now := e.now()
	a := domain.Agent{
		Name:         opts.Name,
		Class:        opts.Class,
		Model:        opts.Model,
		Transport:    opts.Transport,
		Description:  opts.Description,
		Status:       "waiting for work",
		Zone:         opts.Zone,
		RegisteredAt: stamp(now),
		LastSeen:     stamp(now),
	}
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return res, err
	}
	acked, err := e.Repo.AcknowledgeBroadcastsBefore(ctx, tx, a.Name, stamp(now.Add(-e.Config.Messaging.BroadcastBackfill)), stamp(now))
	if err != nil {
		return res, err
	}
	if err := e.appendEvent(ctx, tx, "agent.registered", "agent", a.Name, a.Name, events.EventPayload{
		"class": a.Class, "model": a.Model, "transport": a.Transport, "zone": a.Zone,
	}); err != nil {
		return res, err
	}
	docs, err := e.onboarding(a.Class)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return RegisterResult{
		Agent:        a,
		Permissions:  e.Policy.Permissions(a.Class),
		StaleAfter:   cl.StaleAfter.String(),
		Acknowledged: acked,
		Onboarding:   docs,
	}, nil
}

type DeregisterResult struct {
	Agent    string   `json:"agent"`
	Released []string `json:"released,omitempty"`
}

// Deregister removes name from the registry. Held claims block removal unless
// force is set, in which case each is released and its waitlist head notified.
func (e Engine) Deregister(ctx context.Context, caller, name string, force bool) (res DeregisterResult, err error) {
	defer e.track(ctx, "deregister", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if caller != name {
		if _, err := e.requireClass(ctx, tx, caller, auth.PermManageAgents); err != nil {
			return res, err
		}
		if force {
			if _, err := e.requireClass(ctx, tx, caller, auth.PermClaimForceRelease); err != nil {
				return res, err
			}
		}
	}
	if _, err := e.requireAgent(ctx, tx, name); err != nil {
		return res, err
	}
	if err := e.ensureHealthy(ctx, tx, "agent", name); err != nil {
		return res, err
	}
	released, err := e.deregisterTx(ctx, tx, caller, name, force)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return DeregisterResult{Agent: name, Released: released}, nil
}

func (e Engine) deregisterTx(ctx context.Context, tx *sql.Tx, actor, name string, force bool) ([]string, error) {
	claims, err := e.Repo.ListClaims(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	var released []string
	if len(claims) > 0 {
		paths := make([]string, 0, len(claims))
		for _, c := range claims {
			paths = append(paths, c.Path)
		}
		if !force {
			return nil, newError(KindConflict, CodeHasActiveClaims, map[string]any{"agent": name, "claims": paths},
				"agent %s holds %d claim(s); release them or deregister with force", name, len(paths))
		}
		for _, c := range claims {
			if _, err := e.releaseTx(ctx, tx, c, actor, "deregistered"); err != nil {
				return nil, err
			}
			released = append(released, c.Path)
		}
	}
	if err := e.Repo.DequeueAgent(ctx, tx, name); err != nil {
		return nil, err
	}
	if err := e.Repo.DeleteHeartbeat(ctx, tx, name); err != nil {
		return nil, err
	}
	if err := e.Repo.DeleteReceiptsFor(ctx, tx, name); err != nil {
		return nil, err
	}
	if err := e.Repo.DeleteAgent(ctx, tx, name); err != nil {
		return nil, err
	}
	if err := e.appendEvent(ctx, tx, "agent.deregistered", "agent", name, actor, events.EventPayload{"released": released, "force": force}); err != nil {
		return nil, err
	}
	return released, nil
}

// Rename moves an identity to a new name, rewriting every reference including message history.
func (e Engine) Rename(ctx context.Context, caller, oldName, newName string) (a domain.Agent, err error) {
	defer e.track(ctx, "rename", &err)
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return a, invalidArg("new name is required")
	}
	if reservedName(newName) {
		return a, invalidArg("name %s is reserved", newName)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	if caller != oldName {
		if _, err := e.requireClass(ctx, tx, caller, auth.PermManageAgents); err != nil {
			return a, err
		}
	}
	if _, err := e.requireAgent(ctx, tx, oldName); err != nil {
		return a, err
	}
	exists, err := e.Repo.AgentExists(ctx, tx, newName)
	if err != nil {
		return a, err
	}
	if exists {
		return a, newError(KindConflict, CodeDuplicateIdentity, map[string]any{"agent": newName}, "agent %s is already registered", newName)
	}
	if err := e.Repo.RenameAgent(ctx, tx, oldName, newName); err != nil {
		return a, err
	}
	if err := e.appendEvent(ctx, tx, "agent.renamed", "agent", newName, caller, events.EventPayload{"from": oldName, "to": newName}); err != nil {
		return a, err
	}
	a, err = e.Repo.GetAgent(ctx, tx, newName)
	if err != nil {
		return a, err
	}
	return a, tx.Commit()
}

func (e Engine) SetStatus(ctx context.Context, name, status string) (a domain.Agent, err error) {
	defer e.track(ctx, "set_status", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if _, err := e.requireAgent(ctx, tx, name); err != nil {
		return a, err
	}
	if err := e.Repo.UpdateAgentStatus(ctx, tx, name, status, stamp(e.now())); err != nil {
		return a, err
	}
	if err := e.appendEvent(ctx, tx, "agent.status", "agent", name, name, events.EventPayload{"status": status}); err != nil {
		return a, err
	}
	a, err = e.Repo.GetAgent(ctx, tx, name)
	if err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// SetZone relabels an agent's scope. Agents move themselves; moving others needs agent.manage.
func (e Engine) SetZone(ctx context.Context, caller, name, zone string) (a domain.Agent, err error) {
	defer e.track(ctx, "set_zone", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if caller != name {
		if _, err := e.requireClass(ctx, tx, caller, auth.PermManageAgents); err != nil {
			return a, err
		}
	}
	if _, err := e.requireAgent(ctx, tx, name); err != nil {
		return a, err
	}
	if err := e.Repo.UpdateAgentZone(ctx, tx, name, strings.TrimSpace(zone), stamp(e.now())); err != nil {
		return a, err
	}
	if err := e.appendEvent(ctx, tx, "agent.zone", "agent", name, caller, events.EventPayload{"zone": zone}); err != nil {
		return a, err
	}
	a, err = e.Repo.GetAgent(ctx, tx, name)
	if err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// ReportUsageOptions carries a self-reported context budget. The values are
// stored as reported; only their freshness is enforced.
type ReportUsageOptions struct {
	Name    string
	Summary string
	Used    int
	Limit   int
}

func (e Engine) ReportUsage(ctx context.Context, opts ReportUsageOptions) (v domain.AgentView, err error) {
	defer e.track(ctx, "set_context", &err)
	if opts.Used < 0 || opts.Limit < 0 {
		return v, invalidArg("usage values must be non-negative")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()
	if _, err := e.requireAgent(ctx, tx, opts.Name); err != nil {
		return v, err
	}
	now := e.now()
	if err := e.Repo.UpdateAgentContext(ctx, tx, opts.Name, opts.Summary, opts.Used, opts.Limit, stamp(now)); err != nil {
		return v, err
	}
	a, err := e.Repo.GetAgent(ctx, tx, opts.Name)
	if err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return e.view(a, now), nil
}

// Who lists every registered agent with computed staleness.
func (e Engine) Who(ctx context.Context) ([]domain.AgentView, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	agents, err := e.Repo.ListAgents(ctx, e.DB)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]domain.AgentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, e.view(a, now))
	}
	return out, nil
}

func (e Engine) GetAgent(ctx context.Context, name string) (domain.AgentView, error) {
	a, err := e.Repo.GetAgent(ctx, e.DB, name)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.AgentView{}, unknownAgent(name)
	}
	if err != nil {
		return domain.AgentView{}, err
	}
	return e.view(a, e.now()), nil
}
