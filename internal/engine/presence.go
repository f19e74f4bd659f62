package engine

import (
	"fmt"
	"time"

	"raidline/internal/domain"
)

// Freshness describes how old an agent's last usage report is relative to its class.
type Freshness struct {
	Reported  bool
	Age       time.Duration
	Threshold time.Duration
}

// Stale reports whether the usage report is older than the class threshold.
// An agent that never reported is stale.
func (f Freshness) Stale() bool {
	return !f.Reported || f.Age > f.Threshold
}

func (f Freshness) details() map[string]any {
	d := map[string]any{"threshold_seconds": int(f.Threshold.Seconds())}
	if f.Reported {
		d["age_seconds"] = int(f.Age.Seconds())
	} else {
		d["age_seconds"] = nil
	}
	return d
}

func (e Engine) freshness(a domain.Agent, now time.Time) Freshness {
	f := Freshness{}
	if cl, ok := e.Config.Class(a.Class); ok {
		f.Threshold = cl.StaleAfter
	}
	if a.ContextUpdatedAt == nil {
		return f
	}
	at, err := parseStamp(*a.ContextUpdatedAt)
	if err != nil {
		return f
	}
	f.Reported = true
	f.Age = now.Sub(at)
	if f.Age < 0 {
		f.Age = 0
	}
	return f
}

// hpSummary renders remaining budget as hit points, e.g. "62% HP [76k/200k] Healthy".
func hpSummary(used, limit int) string {
	if limit <= 0 {
		return ""
	}
	remaining := 100 - used*100/limit
	if remaining < 0 {
		remaining = 0
	}
	state := "CRITICAL"
	switch {
	case remaining > 50:
		state = "Healthy"
	case remaining > 25:
		state = "Wounded"
	}
	return fmt.Sprintf("%d%% HP [%dk/%dk] %s", remaining, used/1000, limit/1000, state)
}

func (e Engine) view(a domain.Agent, now time.Time) domain.AgentView {
	v := domain.AgentView{Agent: a, Stale: e.freshness(a, now).Stale(), HP: hpSummary(a.TokensUsed, a.TokensLimit)}
	if seen, err := parseStamp(a.LastSeen); err == nil {
		v.MinutesSinceSeen = now.Sub(seen).Minutes()
	}
	return v
}

func staleReminder(f Freshness) string {
	if !f.Reported {
		return "no usage report on record; call set_context before sending"
	}
	return fmt.Sprintf("usage report is %s old (limit %s); call set_context before sending", f.Age.Truncate(time.Second), f.Threshold)
}
