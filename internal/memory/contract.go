package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"rolegate/internal/domain"
	"rolegate/internal/logging"
	"rolegate/internal/metrics"
)

const (
	RuleFollowUp      = "memory.follow_up"
	RuleRetrieveCap   = "memory.retrieve_cap"
	RuleSummaryFormat = "memory.summary_format"
	RuleCapability    = "memory.capability"
	RuleEmptyQuery    = "memory.empty_query"
)

// Limits bounds one invocation's use of memory.
type Limits struct {
	DefaultResults int
	MaxResults     int
	FollowUps      int
	SummaryMin     int
	SummaryMax     int
}

func DefaultLimits() Limits {
	return Limits{DefaultResults: 3, MaxResults: 10, FollowUps: 1, SummaryMin: 300, SummaryMax: 1500}
}

// Query is one Retrieve call. FollowUp states the distinct question a
// second call answers and is required for every call after the first.
type Query struct {
	Text       string `json:"query"`
	FollowUp   string `json:"follow_up,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

// Handle is the memory contract handed to a single role invocation. It keeps
// the call record the engine audits after the handler returns.
type Handle struct {
	store   Store
	role    domain.Role
	runID   string
	topic   string
	limits  Limits
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	calls      []domain.MemoryCall
	violations []domain.ContractViolationError
	retrieved  []domain.MemoryEntry
	seen       map[string]bool
	followUps  map[string]bool
	retrieves  int
	summaries  []string
}

type HandleOptions struct {
	Store   Store
	Role    domain.Role
	RunID   string
	Topic   string
	Limits  Limits
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewHandle(opts HandleOptions) *Handle {
	l := opts.Limits
	def := DefaultLimits()
	if l.DefaultResults <= 0 {
		l.DefaultResults = def.DefaultResults
	}
	if l.MaxResults <= 0 {
		l.MaxResults = def.MaxResults
	}
	if l.SummaryMax <= 0 {
		l.SummaryMax = def.SummaryMax
	}
	if l.FollowUps < 0 {
		l.FollowUps = 0
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Handle{
		store:     opts.Store,
		role:      opts.Role,
		runID:     opts.RunID,
		topic:     opts.Topic,
		limits:    l,
		log:       logging.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		now:       now,
		seen:      map[string]bool{},
		followUps: map[string]bool{},
	}
}

func (h *Handle) violate(op, query, followUp, rule, detail string) error {
	v := domain.ContractViolationError{Role: h.role.ID, Rule: rule, Detail: detail}
	h.violations = append(h.violations, v)
	h.calls = append(h.calls, domain.MemoryCall{Op: op, Query: query, FollowUp: followUp, Violation: rule, At: h.now().UTC()})
	h.metrics.ContractViolation(rule)
	h.log.Warn("memory contract violation",
		zap.String("run_id", h.runID), zap.String("role", string(h.role.ID)),
		zap.String("rule", rule), zap.String("detail", detail))
	return v
}

// Retrieve ranks active memory against q. The first call is free; each of the
// next FollowUps calls must state a distinct follow-up question.
func (h *Handle) Retrieve(ctx context.Context, q Query) ([]domain.MemoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	text := strings.TrimSpace(q.Text)
	followUp := strings.TrimSpace(q.FollowUp)
	if !h.role.HasCapability(domain.CapMemoryRead) {
		return nil, h.violate("retrieve", text, followUp, RuleCapability, "role lacks "+string(domain.CapMemoryRead))
	}
	if text == "" {
		return nil, h.violate("retrieve", text, followUp, RuleEmptyQuery, "query text is empty")
	}
	if h.retrieves > h.limits.FollowUps {
		return nil, h.violate("retrieve", text, followUp, RuleRetrieveCap,
			fmt.Sprintf("retrieve call %d exceeds %d follow-up(s)", h.retrieves+1, h.limits.FollowUps))
	}
	if h.retrieves > 0 {
		key := Normalize(followUp)
		if key == "" {
			return nil, h.violate("retrieve", text, followUp, RuleFollowUp, "follow-up retrieve requires a stated question")
		}
		if h.followUps[key] {
			return nil, h.violate("retrieve", text, followUp, RuleFollowUp, "follow-up question repeats an earlier one")
		}
		h.followUps[key] = true
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = h.limits.DefaultResults
	}
	if limit > h.limits.MaxResults {
		limit = h.limits.MaxResults
	}
	results, err := h.store.Search(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	h.retrieves++
	ids := make([]string, 0, len(results))
	for _, e := range results {
		ids = append(ids, e.ID)
		if !h.seen[e.ID] {
			h.seen[e.ID] = true
			h.retrieved = append(h.retrieved, e)
		}
	}
	h.calls = append(h.calls, domain.MemoryCall{Op: "retrieve", Query: text, FollowUp: followUp, ResultIDs: ids, At: h.now().UTC()})
	h.metrics.MemoryCall("retrieve")
	return results, nil
}

// StoreSummary validates and stores a working-memory summary.
func (h *Handle) StoreSummary(ctx context.Context, e domain.MemoryEntry) (domain.MemoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.role.HasCapability(domain.CapMemoryWrite) {
		return domain.MemoryEntry{}, h.violate("store_summary", "", "", RuleCapability, "role lacks "+string(domain.CapMemoryWrite))
	}
	if e.Topic == "" {
		e.Topic = h.topic
	}
	if detail := h.checkSummary(e); detail != "" {
		return domain.MemoryEntry{}, h.violate("store_summary", "", "", RuleSummaryFormat, detail)
	}
	e.Kind = domain.MemorySummary
	e.SourceRunID = h.runID
	stored, err := h.store.Insert(ctx, e)
	if err != nil {
		return domain.MemoryEntry{}, err
	}
	h.summaries = append(h.summaries, stored.ID)
	h.calls = append(h.calls, domain.MemoryCall{Op: "store_summary", EntryID: stored.ID, At: h.now().UTC()})
	h.metrics.MemoryCall("store_summary")
	return stored, nil
}

func (h *Handle) checkSummary(e domain.MemoryEntry) string {
	n := utf8.RuneCountInString(strings.TrimSpace(e.ContextText))
	if n < h.limits.SummaryMin || n > h.limits.SummaryMax {
		return fmt.Sprintf("context is %d chars, want %d-%d", n, h.limits.SummaryMin, h.limits.SummaryMax)
	}
	if strings.TrimSpace(e.Topic) == "" {
		return "topic is required"
	}
	if strings.TrimSpace(e.Goal) == "" {
		return "goal is required"
	}
	if len(e.Decisions) == 0 {
		return "at least one decision is required"
	}
	if len(e.Rejected) == 0 {
		return "at least one rejected alternative is required"
	}
	for _, alt := range e.Rejected {
		if strings.TrimSpace(alt.Option) == "" || strings.TrimSpace(alt.Reason) == "" {
			return "rejected alternatives need an option and a reason"
		}
	}
	if strings.TrimSpace(e.CurrentStatus) == "" {
		return "current status is required"
	}
	return ""
}

// Calls returns the audit record of this invocation.
func (h *Handle) Calls() []domain.MemoryCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.MemoryCall(nil), h.calls...)
}

func (h *Handle) Violations() []domain.ContractViolationError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ContractViolationError(nil), h.violations...)
}

// Retrieved returns every distinct entry returned during the invocation.
func (h *Handle) Retrieved() []domain.MemoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.MemoryEntry(nil), h.retrieved...)
}

func (h *Handle) RetrieveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retrieves
}

// Summarized reports whether a summary was stored during the invocation.
func (h *Handle) Summarized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.summaries) > 0
}
