package domain

import "time"

type RoleID string

type Capability string

const (
	CapMemoryRead    Capability = "memory.read"
	CapMemoryWrite   Capability = "memory.write"
	CapReview        Capability = "artifacts.review"
	CapGateTechnical Capability = "gate.technical"
	CapGateValue     Capability = "gate.value"
	CapRelease       Capability = "release"
	CapRetrospective Capability = "retrospective"
)

// ArtifactKind doubles as the file name suffix for every kind except plan.
type ArtifactKind string

const (
	KindStrategy       ArtifactKind = "strategy"
	KindArchitecture   ArtifactKind = "architecture"
	KindPlan           ArtifactKind = "plan"
	KindAnalysis       ArtifactKind = "analysis"
	KindCritique       ArtifactKind = "critique"
	KindImplementation ArtifactKind = "implementation"
	KindQAReport       ArtifactKind = "qa"
	KindValueReport    ArtifactKind = "uat"
	KindRelease        ArtifactKind = "release"
	KindEscalation     ArtifactKind = "escalation"
	KindRetrospective  ArtifactKind = "retrospective"
)

// AllKinds lists every recognised artifact kind.
var AllKinds = []ArtifactKind{
	KindStrategy, KindArchitecture, KindPlan, KindAnalysis, KindCritique,
	KindImplementation, KindQAReport, KindValueReport, KindRelease,
	KindEscalation, KindRetrospective,
}

func (k ArtifactKind) Valid() bool {
	for _, v := range AllKinds {
		if v == k {
			return true
		}
	}
	return false
}

type ArtifactStatus string

const (
	StatusDraft           ArtifactStatus = "draft"
	StatusStrategyDrafted ArtifactStatus = "strategy_drafted"
	StatusAwaitingInput   ArtifactStatus = "awaiting_input"
	StatusInProgress      ArtifactStatus = "in_progress"
	StatusComplete        ArtifactStatus = "complete"
	StatusAccepted        ArtifactStatus = "accepted"
	StatusRejected        ArtifactStatus = "rejected"
	StatusReleased        ArtifactStatus = "released"
	StatusDeferred        ArtifactStatus = "deferred"
	StatusDecided         ArtifactStatus = "decided"
)

// Rank orders statuses for the monotonic-within-a-revision rule.
// Statuses sharing a rank are mutually exclusive terminal outcomes.
func (s ArtifactStatus) Rank() int {
	switch s {
	case StatusDraft, StatusStrategyDrafted:
		return 0
	case StatusAwaitingInput:
		return 1
	case StatusInProgress:
		return 2
	case StatusComplete:
		return 3
	case StatusAccepted, StatusRejected, StatusReleased, StatusDeferred, StatusDecided:
		return 4
	default:
		return -1
	}
}

type Dependency struct {
	Kind     ArtifactKind     `json:"kind" yaml:"kind"`
	Statuses []ArtifactStatus `json:"statuses" yaml:"statuses"`
}

func (d Dependency) Satisfied(status ArtifactStatus) bool {
	for _, s := range d.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Role is immutable once the registry is loaded; the registry hands out copies.
type Role struct {
	ID                   RoleID           `json:"id"`
	Directory            string           `json:"directory"`
	PermittedDirectories []string         `json:"permitted_directories"`
	Produces             ArtifactKind     `json:"produces"`
	Reviews              []ArtifactKind   `json:"reviews,omitempty"`
	Dependencies         []Dependency     `json:"dependencies,omitempty"`
	TerminalStatuses     []ArtifactStatus `json:"terminal_statuses"`
	Handoffs             []RoleID         `json:"outgoing_handoffs"`
	Capabilities         []Capability     `json:"capabilities,omitempty"`
	RequiresRetrieval    bool             `json:"requires_retrieval,omitempty"`
	Stage                int              `json:"stage"`
	Invocable            bool             `json:"invocable"`
}

func (r Role) HasCapability(c Capability) bool {
	for _, v := range r.Capabilities {
		if v == c {
			return true
		}
	}
	return false
}

func (r Role) CanHandoff(to RoleID) bool {
	for _, v := range r.Handoffs {
		if v == to {
			return true
		}
	}
	return false
}

func (r Role) IsTerminal(s ArtifactStatus) bool {
	for _, v := range r.TerminalStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (r Role) CanReview(k ArtifactKind) bool {
	for _, v := range r.Reviews {
		if v == k {
			return true
		}
	}
	return false
}

func (r Role) CanWrite(dir string) bool {
	for _, v := range r.PermittedDirectories {
		if v == dir {
			return true
		}
	}
	return false
}

type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunBlocked   RunStatus = "blocked"
	RunEscalated RunStatus = "escalated"
	RunComplete  RunStatus = "complete"
	RunAborted   RunStatus = "aborted"
)

type Trigger string

const (
	TriggerAccept          Trigger = "accept"
	TriggerReject          Trigger = "reject"
	TriggerEscalate        Trigger = "escalate"
	TriggerRequestRevision Trigger = "request_revision"
)

type TechnicalGate string

const (
	TechUnset                  TechnicalGate = "unset"
	TechStrategyDrafted        TechnicalGate = "strategy_drafted"
	TechAwaitingImplementation TechnicalGate = "awaiting_implementation"
	TechInProgress             TechnicalGate = "in_progress"
	TechPassed                 TechnicalGate = "passed"
	TechFailed                 TechnicalGate = "failed"
)

type ValueGate string

const (
	ValueUnset  ValueGate = "unset"
	ValuePassed ValueGate = "passed"
	ValueFailed ValueGate = "failed"
)

type GateState struct {
	Technical TechnicalGate `json:"technical"`
	Value     ValueGate     `json:"value"`
	Locked    bool          `json:"locked,omitempty"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
}

// MemoryCall is the audit record of one memory contract call, attached to
// the transition produced by the invocation that made it.
type MemoryCall struct {
	Op        string    `json:"op"`
	Query     string    `json:"query,omitempty"`
	FollowUp  string    `json:"follow_up,omitempty"`
	ResultIDs []string  `json:"result_ids,omitempty"`
	EntryID   string    `json:"entry_id,omitempty"`
	Violation string    `json:"violation,omitempty"`
	At        time.Time `json:"at"`
}

type Transition struct {
	Seq          int          `json:"seq"`
	From         RoleID       `json:"from_role"`
	To           RoleID       `json:"to_role,omitempty"`
	Trigger      Trigger      `json:"trigger"`
	At           time.Time    `json:"timestamp"`
	ArtifactRefs []string     `json:"artifact_refs,omitempty"`
	MemoryCalls  []MemoryCall `json:"memory_calls,omitempty"`
	Note         string       `json:"note,omitempty"`
}

// MissingDependency names one unmet pre-condition. Gate is set instead of
// Kind when the unmet condition is a quality gate.
type MissingDependency struct {
	Kind             ArtifactKind `json:"kind,omitempty"`
	Gate             string       `json:"gate,omitempty"`
	Path             string       `json:"path,omitempty"`
	RequiredStatuses []string     `json:"required_statuses"`
	ActualStatus     string       `json:"actual_status,omitempty"`
}

type Waiver struct {
	Kind         ArtifactKind `json:"kind"`
	Role         RoleID       `json:"role"`
	EscalationID string       `json:"escalation_id"`
}

// EscalationRequest is the pending arbitration context of an Escalated run.
type EscalationRequest struct {
	Issue            string            `json:"issue"`
	Category         IssueCategory     `json:"category"`
	ConflictingRoles []RoleID          `json:"conflicting_roles"`
	Positions        map[RoleID]string `json:"positions,omitempty"`
	ProceedRole      RoleID            `json:"proceed_role,omitempty"`
	ReworkRole       RoleID            `json:"rework_role,omitempty"`
	ContestedKind    ArtifactKind      `json:"contested_kind,omitempty"`
	RaisedBy         RoleID            `json:"raised_by,omitempty"`
	RevisionKey      string            `json:"revision_key,omitempty"`
	RaisedAt         time.Time         `json:"raised_at"`
}

type Run struct {
	ID                string              `json:"run_id"`
	SequenceID        string              `json:"sequence_id"`
	Topic             string              `json:"topic"`
	Title             string              `json:"title,omitempty"`
	EntryRole         RoleID              `json:"entry_role"`
	CurrentRole       RoleID              `json:"current_role"`
	Status            RunStatus           `json:"status"`
	History           []Transition        `json:"history"`
	Gates             GateState           `json:"gates"`
	Revisions         map[string]int      `json:"revisions,omitempty"`
	TurnsSinceSummary int                 `json:"turns_since_summary,omitempty"`
	Blocked           []MissingDependency `json:"blocked,omitempty"`
	Pending           *EscalationRequest  `json:"pending_escalation,omitempty"`
	Escalations       []string            `json:"escalations,omitempty"`
	Waivers           []Waiver            `json:"waivers,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (r Run) Waived(kind ArtifactKind, role RoleID) bool {
	for _, w := range r.Waivers {
		if w.Kind == kind && w.Role == role {
			return true
		}
	}
	return false
}

type ChangeEntry struct {
	Revision int            `json:"revision" yaml:"revision"`
	At       time.Time      `json:"at" yaml:"at"`
	Role     RoleID         `json:"role" yaml:"role"`
	Status   ArtifactStatus `json:"status" yaml:"status"`
	Note     string         `json:"note,omitempty" yaml:"note,omitempty"`
}

// Verification separates what a role claims from what was cross-checked.
type Verification struct {
	Claimed  []string `json:"claimed,omitempty" yaml:"claimed,omitempty"`
	Verified []string `json:"verified,omitempty" yaml:"verified,omitempty"`
}

// Unverified returns claims with no matching verified entry.
func (v Verification) Unverified() []string {
	seen := make(map[string]bool, len(v.Verified))
	for _, s := range v.Verified {
		seen[s] = true
	}
	var out []string
	for _, c := range v.Claimed {
		if !seen[c] {
			out = append(out, c)
		}
	}
	return out
}

type Artifact struct {
	Path          string         `json:"path"`
	RunID         string         `json:"run_id"`
	SequenceID    string         `json:"sequence_id"`
	Topic         string         `json:"topic"`
	Kind          ArtifactKind   `json:"kind"`
	ProducingRole RoleID         `json:"producing_role"`
	Status        ArtifactStatus `json:"status"`
	Revision      int            `json:"revision"`
	Changelog     []ChangeEntry  `json:"changelog"`
	Decisions     []string       `json:"decisions,omitempty"`
	Rejected      []string       `json:"rejected,omitempty"`
	Verification  *Verification  `json:"verification,omitempty"`
	Body          string         `json:"body,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type DefectScope string

const (
	DefectImplementation DefectScope = "implementation"
	DefectPlan           DefectScope = "plan"
)

type ReviewVerdict struct {
	Kind   ArtifactKind   `json:"kind"`
	Status ArtifactStatus `json:"status"`
	Notes  string         `json:"notes,omitempty"`
}

// BlockedSignal is raised by a role that cannot satisfy its pre-conditions
// with what upstream produced.
type BlockedSignal struct {
	Kind   ArtifactKind `json:"kind"`
	Reason string       `json:"reason"`
}

type EscalationSignal struct {
	Against  RoleID `json:"against"`
	Issue    string `json:"issue"`
	Position string `json:"position,omitempty"`
	Opposing string `json:"opposing_position,omitempty"`
}

// Outcome is what an opaque role handler returns for one invocation.
type Outcome struct {
	ArtifactPath    string            `json:"artifact_path,omitempty"`
	Kind            ArtifactKind      `json:"kind,omitempty"`
	Body            string            `json:"body,omitempty"`
	Status          ArtifactStatus    `json:"artifact_status"`
	Handoff         RoleID            `json:"requested_handoff,omitempty"`
	DefectScope     DefectScope       `json:"defect_scope,omitempty"`
	Review          *ReviewVerdict    `json:"review,omitempty"`
	Verification    *Verification     `json:"verification,omitempty"`
	Decisions       []string          `json:"decisions,omitempty"`
	Rejected        []string          `json:"rejected,omitempty"`
	MemoryOverrides []string          `json:"memory_overrides,omitempty"`
	Consequential   bool              `json:"consequential,omitempty"`
	Milestone       bool              `json:"milestone,omitempty"`
	Turns           int               `json:"turns,omitempty"`
	Change          string            `json:"change,omitempty"`
	Blocked         *BlockedSignal    `json:"blocked,omitempty"`
	Escalate        *EscalationSignal `json:"escalate,omitempty"`
}

type IssueCategory string

const (
	IssuePlanRejected       IssueCategory = "plan_rejected"
	IssueVerificationFailed IssueCategory = "verification_failed"
	IssuePrecondition       IssueCategory = "precondition_unsatisfiable"
	IssueRoleConflict       IssueCategory = "role_conflict"
	IssueManual             IssueCategory = "manual"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 4
	}
}

type OptionKind string

const (
	OptionProceed OptionKind = "proceed"
	OptionRetry   OptionKind = "retry"
	OptionReplan  OptionKind = "replan"
	OptionPivot   OptionKind = "pivot"
	OptionCancel  OptionKind = "cancel"
	OptionDefer   OptionKind = "defer"
)

type Option struct {
	Kind     OptionKind `json:"kind"`
	Summary  string     `json:"summary"`
	Pros     []string   `json:"pros"`
	Cons     []string   `json:"cons"`
	Risk     RiskLevel  `json:"risk_level"`
	NextRole RoleID     `json:"next_role,omitempty"`
}

type EscalationRecord struct {
	ID               string            `json:"id"`
	RunID            string            `json:"run_id"`
	Issue            string            `json:"issue"`
	Category         IssueCategory     `json:"category"`
	ConflictingRoles []RoleID          `json:"conflicting_roles"`
	Positions        map[RoleID]string `json:"positions,omitempty"`
	Options          []Option          `json:"options"`
	Decision         OptionKind        `json:"decision"`
	Rationale        string            `json:"rationale"`
	NextRole         RoleID            `json:"next_role,omitempty"`
	Constraints      []string          `json:"constraints,omitempty"`
	Supersedes       string            `json:"supersedes,omitempty"`
	DecidedBy        string            `json:"decided_by"`
	ArtifactPath     string            `json:"artifact_path,omitempty"`
	DecidedAt        time.Time         `json:"decided_at"`
}

// SystemicPatternFlag marks a recurring escalation for the retrospective role.
type SystemicPatternFlag struct {
	ID            string        `json:"id"`
	Key           string        `json:"key"`
	Roles         []RoleID      `json:"roles"`
	Category      IssueCategory `json:"category"`
	Occurrences   int           `json:"occurrences"`
	RunIDs        []string      `json:"run_ids"`
	EscalationIDs []string      `json:"escalation_ids"`
	FirstSeen     time.Time     `json:"first_seen"`
	LastSeen      time.Time     `json:"last_seen"`
	FlaggedAt     time.Time     `json:"flagged_at"`
	AckedBy       string        `json:"acknowledged_by,omitempty"`
}

// EscalationOccurrence is one row of the recurrence log used for pattern detection.
type EscalationOccurrence struct {
	Key          string
	Category     IssueCategory
	Roles        []RoleID
	RunID        string
	EscalationID string
	At           time.Time
}

type MemoryStatus string

const (
	MemoryActive     MemoryStatus = "active"
	MemorySuperseded MemoryStatus = "superseded"
	MemoryPromoted   MemoryStatus = "promoted"
)

type MemoryKind string

const (
	MemorySummary        MemoryKind = "summary"
	MemoryDecisionRecord MemoryKind = "decision_record"
)

type Alternative struct {
	Option string `json:"option"`
	Reason string `json:"reason"`
}

type MemoryEntry struct {
	ID                  string        `json:"id"`
	Kind                MemoryKind    `json:"kind"`
	Topic               string        `json:"topic"`
	Goal                string        `json:"goal"`
	ContextText         string        `json:"context_text"`
	Decisions           []string      `json:"decisions"`
	Rationale           []string      `json:"rationale,omitempty"`
	Rejected            []Alternative `json:"rejected_alternatives"`
	CurrentStatus       string        `json:"current_status"`
	Status              MemoryStatus  `json:"status"`
	NeedsReconciliation bool          `json:"needs_reconciliation,omitempty"`
	Supersedes          []string      `json:"supersedes,omitempty"`
	SupersededBy        string        `json:"superseded_by,omitempty"`
	SourceEntryIDs      []string      `json:"source_entry_ids,omitempty"`
	SourceRunID         string        `json:"source_run_id,omitempty"`
	Score               float32       `json:"score,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// MemoryConflict groups same-topic entries that contradict each other and
// wait for role-level reconciliation.
type MemoryConflict struct {
	ID         string     `json:"id"`
	Topic      string     `json:"topic"`
	EntryIDs   []string   `json:"entry_ids"`
	Detail     string     `json:"detail"`
	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
