package server

import (
	"strings"

	"raidline/internal/domain"
)

// Request payloads

type RegisterRequest struct {
	Name        string `json:"name" minLength:"1"`
	Class       string `json:"class" minLength:"1"`
	Model       string `json:"model" minLength:"1"`
	Transport   string `json:"transport,omitempty" doc:"Defaults to terminal"`
	Description string `json:"description,omitempty"`
	Zone        string `json:"zone,omitempty"`
}

type RenameRequest struct {
	NewName string `json:"new_name" minLength:"1"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type SetZoneRequest struct {
	Zone string `json:"zone"`
}

type ReportUsageRequest struct {
	Summary string `json:"summary,omitempty"`
	Used    int    `json:"used" minimum:"0"`
	Limit   int    `json:"limit" minimum:"0"`
}

type SendRequest struct {
	To      string   `json:"to" minLength:"1" doc:"Agent name or \"all\" to broadcast"`
	Body    string   `json:"body" minLength:"1"`
	Trigger string   `json:"trigger,omitempty"`
	CC      []string `json:"cc,omitempty"`
}

type SetPlanRequest struct {
	Body    string `json:"body" minLength:"1"`
	Project string `json:"project,omitempty"`
	Zone    string `json:"zone,omitempty"`
}

type PlanStatusRequest struct {
	Status string `json:"status" enum:"active,superseded,completed,abandoned,obsolete"`
}

type LogRaidRequest struct {
	Body     string `json:"body" minLength:"1"`
	Priority string `json:"priority,omitempty" enum:"low,normal,high,critical"`
}

type CreateTaskRequest struct {
	ID        string   `json:"id,omitempty"`
	Title     string   `json:"title" minLength:"1"`
	SpecPath  string   `json:"spec_path" minLength:"1"`
	Project   string   `json:"project,omitempty"`
	Zone      string   `json:"zone,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type AssignTaskRequest struct {
	Assignee string `json:"assignee" minLength:"1"`
}

type UpdateTaskRequest struct {
	Progress string   `json:"progress,omitempty"`
	Status   string   `json:"status,omitempty"`
	Files    []string `json:"files,omitempty"`
}

type PathRequest struct {
	Path string `json:"path" minLength:"1"`
}

type ColdStartRequest struct {
	Inherit string `json:"inherit,omitempty" doc:"Agent whose manifests to pick up; defaults to the caller"`
}

type FenixDownRequest struct {
	Paths []string `json:"paths" minItems:"1"`
	Note  string   `json:"note,omitempty"`
}

type EndSessionRequest struct {
	PruneLow bool `json:"prune_low,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status        string `json:"status" enum:"ok,migrating"`
	SchemaVersion int    `json:"schema_version"`
	SchemaLatest  int    `json:"schema_latest"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    any    `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Actor:      evt.Actor,
		Payload:    parseJSON(evt.Payload),
	}
}

// splitList turns a comma separated query value into its non-empty items.
func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
