package domain

// Broadcast is the recipient value addressing every registered agent.
const Broadcast = "all"

// SystemSender authors notifications raised by the service itself.
const SystemSender = "system"

type Agent struct {
	Name             string  `json:"name"`
	Class            string  `json:"class" enum:"coordinator,editor,runner,advisor,investigator"`
	Model            string  `json:"model"`
	Transport        string  `json:"transport" enum:"terminal,daemon"`
	Description      string  `json:"description,omitempty"`
	Status           string  `json:"status,omitempty"`
	Zone             string  `json:"zone,omitempty"`
	ContextSummary   string  `json:"context_summary,omitempty"`
	TokensUsed       int     `json:"tokens_used"`
	TokensLimit      int     `json:"tokens_limit"`
	RegisteredAt     string  `json:"registered_at" format:"date-time"`
	LastSeen         string  `json:"last_seen" format:"date-time"`
	LastInboundAt    *string `json:"last_inbound_at,omitempty" format:"date-time"`
	LastInboxCheck   *string `json:"last_inbox_check,omitempty" format:"date-time"`
	ContextUpdatedAt *string `json:"context_updated_at,omitempty" format:"date-time"`
}

// AgentView is an Agent annotated with derived presence data.
type AgentView struct {
	Agent
	Stale            bool    `json:"stale"`
	HP               string  `json:"hp,omitempty"`
	MinutesSinceSeen float64 `json:"minutes_since_seen"`
}

type Message struct {
	ID           int64   `json:"id"`
	From         string  `json:"from"`
	To           string  `json:"to"`
	Body         string  `json:"body"`
	Trigger      *string `json:"trigger,omitempty"`
	IsCC         bool    `json:"is_cc"`
	CCOriginalTo *string `json:"cc_original_to,omitempty"`
	Read         bool    `json:"read"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Claim struct {
	Path       string          `json:"path"`
	Holder     string          `json:"holder"`
	AcquiredAt string          `json:"acquired_at" format:"date-time"`
	Waitlist   []WaitlistEntry `json:"waitlist,omitempty"`
}

type WaitlistEntry struct {
	Path        string  `json:"path"`
	Agent       string  `json:"agent"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	NotifiedAt  *string `json:"notified_at,omitempty" format:"date-time"`
}

type Task struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	SpecPath      string   `json:"spec_path"`
	Project       string   `json:"project,omitempty"`
	Zone          string   `json:"zone,omitempty"`
	Status        string   `json:"status" enum:"open,assigned,in_progress,fixed,verified,closed,abandoned,stale,obsolete"`
	Assignee      *string  `json:"assignee,omitempty"`
	Creator       string   `json:"creator"`
	Progress      string   `json:"progress,omitempty"`
	Files         []string `json:"files,omitempty"`
	ActivityCount int      `json:"activity_count"`
	ResultPath    *string  `json:"result_path,omitempty"`
	Assignable    bool     `json:"assignable"`
	DependsOn     []string `json:"depends_on,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	ClosedAt      *string  `json:"closed_at,omitempty" format:"date-time"`
}

type BattlePlan struct {
	ID        int64  `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	Status    string `json:"status" enum:"active,superseded,completed,abandoned,obsolete"`
	Project   string `json:"project,omitempty"`
	Zone      string `json:"zone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type RaidLogEntry struct {
	ID        int64  `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	Priority  string `json:"priority" enum:"low,normal,high,critical"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type FenixManifest struct {
	ID         string   `json:"id"`
	Agent      string   `json:"agent"`
	Paths      []string `json:"paths"`
	Note       string   `json:"note,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	ConsumedAt *string  `json:"consumed_at,omitempty" format:"date-time"`
	ConsumedBy *string  `json:"consumed_by,omitempty"`
}

type Session struct {
	ID          int64   `json:"id"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	EndedAt     *string `json:"ended_at,omitempty" format:"date-time"`
	DebriefPath *string `json:"debrief_path,omitempty"`
	DebriefedBy *string `json:"debriefed_by,omitempty"`
	DebriefedAt *string `json:"debriefed_at,omitempty" format:"date-time"`
}

type Heartbeat struct {
	Target      string `json:"target"`
	RequestedBy string `json:"requested_by"`
	StartedAt   string `json:"started_at" format:"date-time"`
	Deadline    string `json:"deadline" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload"`
}
