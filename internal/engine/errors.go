package engine

import (
	"errors"
	"fmt"

	"raidline/internal/engine/auth"
	"raidline/internal/repo"
)

// Kind classifies a rejection. Callers decide whether to retry from the kind;
// the engine never retries on their behalf.
type Kind string

const (
	KindPermissionDenied   Kind = "PermissionDenied"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindConflict           Kind = "ConflictError"
	KindInvalidTransition  Kind = "InvalidTransition"
	KindNotFound           Kind = "NotFound"
	KindInvalidArgument    Kind = "InvalidArgument"
	KindInvariantViolation Kind = "InvariantViolation"
)

// Stable rejection codes.
const (
	CodeDuplicateIdentity = "DuplicateIdentity"
	CodeModelNotAllowed   = "ModelNotAllowed"
	CodeHasActiveClaims   = "HasActiveClaims"
	CodeInboxNotClear     = "InboxNotClear"
	CodeStaleContext      = "StaleContext"
	CodeUnknownTrigger    = "UnknownTrigger"
	CodeAlreadyClaimed    = "AlreadyClaimed"
	CodeNotHolder         = "NotHolder"
	CodeUnmetDependency   = "UnmetDependency"
	CodeAssignmentsFrozen = "AssignmentsFrozen"
	CodeArtifactMissing   = "ArtifactMissing"
	CodeNoResultSubmitted = "NoResultSubmitted"
	CodeNoActivePlan      = "NoActivePlan"
	CodeDebriefMissing    = "DebriefMissing"
	CodeOpenTasksRemain   = "OpenTasksRemain"
	CodeInvalidTransition = "InvalidTransition"
	CodeUnknownAgent      = "UnknownAgent"
	CodeUnknownTask       = "UnknownTask"
	CodeUnknownPlan       = "UnknownPlan"
	CodeUnknownClaim      = "UnknownClaim"
	CodeDuplicateTask     = "DuplicateTask"
	CodeInvalidArgument   = "InvalidArgument"
	CodeQuarantined       = "Quarantined"
	CodePermissionDenied  = "PermissionDenied"
	CodeNotFound          = "NotFound"
	CodeInternalInvariant = "InternalInvariant"
	CodeUnknownClass      = "UnknownClass"
)

// Error is a classified rejection carrying enough detail for the caller to
// self-correct.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code string, details map[string]any, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Details: details}
}

func invalidArg(format string, args ...any) *Error {
	return newError(KindInvalidArgument, CodeInvalidArgument, nil, format, args...)
}

func unknownAgent(name string) *Error {
	return newError(KindNotFound, CodeUnknownAgent, map[string]any{"agent": name}, "agent %s is not registered", name)
}

func unknownTask(id string) *Error {
	return newError(KindNotFound, CodeUnknownTask, map[string]any{"task": id}, "task %s not found", id)
}

// Classify maps any error returned by the engine onto its kind and code.
// A nil error yields empty strings.
func Classify(err error) (Kind, string) {
	if err == nil {
		return "", ""
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind, ee.Code
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return KindPermissionDenied, CodePermissionDenied
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound, CodeNotFound
	}
	return "", ""
}

// DetailsOf returns the details attached to err, if any.
func DetailsOf(err error) map[string]any {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Details
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return map[string]any{"class": fe.Class, "permission": fe.Permission}
	}
	return nil
}
