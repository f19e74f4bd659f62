package auth

import (
	"fmt"
	"sort"

	"raidline/internal/config"
)

// Permissions granted per class in config.
const (
	PermTaskCreate        = "task.create"
	PermTaskAssign        = "task.assign"
	PermTaskClose         = "task.close"
	PermPlanSet           = "plan.set"
	PermPlanUpdate        = "plan.update"
	PermClaimAcquire      = "claim.acquire"
	PermClaimForceRelease = "claim.force_release"
	PermManageAgents      = "agent.manage"
	PermAssignmentsThaw   = "assignments.thaw"
	PermHeartbeatStart    = "heartbeat.start"
	PermSessionDebrief    = "session.debrief"
	PermSessionEnd        = "session.end"
)

// ForbiddenError indicates the caller's class lacks a permission.
type ForbiddenError struct {
	Class      string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("class %s lacks permission %s", e.Class, e.Permission)
}

// Policy resolves class capabilities from config.
type Policy struct {
	Config *config.Config
}

// Can reports whether class holds perm.
func (p Policy) Can(class, perm string) bool {
	if p.Config == nil {
		return false
	}
	cl, ok := p.Config.Class(class)
	if !ok {
		return false
	}
	for _, granted := range cl.Permissions {
		if granted == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError when class lacks perm.
func (p Policy) Require(class, perm string) error {
	if p.Can(class, perm) {
		return nil
	}
	return ForbiddenError{Class: class, Permission: perm}
}

// Permissions lists the permissions of a class, sorted.
func (p Policy) Permissions(class string) []string {
	if p.Config == nil {
		return nil
	}
	cl, ok := p.Config.Class(class)
	if !ok {
		return nil
	}
	out := append([]string(nil), cl.Permissions...)
	sort.Strings(out)
	return out
}

// ModelAllowed checks the class model whitelist; an empty whitelist allows any model.
func (p Policy) ModelAllowed(class, model string) bool {
	if p.Config == nil {
		return false
	}
	cl, ok := p.Config.Class(class)
	if !ok {
		return false
	}
	if len(cl.Models) == 0 {
		return true
	}
	for _, m := range cl.Models {
		if m == model {
			return true
		}
	}
	return false
}
