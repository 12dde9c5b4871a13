package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"rolegate/internal/domain"
	"rolegate/internal/logging"
	"rolegate/internal/metrics"
)

// Compactor promotes convergent summaries into decision records and flags
// contradicting ones for reconciliation. Conflicting entries are never merged.
type Compactor struct {
	Store   CompactionStore
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// MaxContextChars bounds a record's context text. Zero leaves it unbounded.
	MaxContextChars int
}

type Report struct {
	Topics    int      `json:"topics"`
	Promoted  []string `json:"promoted,omitempty"`
	Consumed  int      `json:"consumed"`
	Conflicts int      `json:"conflicts"`
}

// Run compacts every topic with at least two active summaries.
func (c Compactor) Run(ctx context.Context) (Report, error) {
	log := logging.OrNop(c.Logger)
	var rep Report
	topics, err := c.Store.CompactionTopics(ctx)
	if err != nil {
		return rep, fmt.Errorf("compaction: list topics: %w", err)
	}
	for _, topic := range topics {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		entries, err := c.Store.ActiveSummaries(ctx, topic)
		if err != nil {
			return rep, fmt.Errorf("compaction: topic %s: %w", topic, err)
		}
		rep.Topics++
		excluded := map[string]bool{}
		for i := 0; i < len(entries); i++ {
			if entries[i].NeedsReconciliation {
				excluded[entries[i].ID] = true
			}
			for j := i + 1; j < len(entries); j++ {
				detail, ok := contradiction(entries[i], entries[j])
				if !ok {
					continue
				}
				excluded[entries[i].ID] = true
				excluded[entries[j].ID] = true
				inserted, err := c.Store.FlagConflict(ctx, topic, []string{entries[i].ID, entries[j].ID}, detail)
				if err != nil {
					return rep, fmt.Errorf("compaction: flag conflict: %w", err)
				}
				if inserted {
					rep.Conflicts++
					log.Warn("memory conflict flagged", zap.String("topic", topic),
						zap.String("a", entries[i].ID), zap.String("b", entries[j].ID), zap.String("detail", detail))
				}
			}
		}
		var candidates []domain.MemoryEntry
		for _, e := range entries {
			if !excluded[e.ID] {
				candidates = append(candidates, e)
			}
		}
		groups := converge(candidates)
		if len(groups) == 0 {
			continue
		}
		prior, err := c.Store.ActiveRecords(ctx, topic)
		if err != nil {
			return rep, fmt.Errorf("compaction: records %s: %w", topic, err)
		}
		for _, group := range groups {
			record := merge(topic, group, prior, c.MaxContextChars)
			ids := make([]string, len(group))
			for i, e := range group {
				ids[i] = e.ID
			}
			stored, err := c.Store.Promote(ctx, record, ids)
			if err != nil {
				return rep, fmt.Errorf("compaction: promote %s: %w", topic, err)
			}
			rep.Promoted = append(rep.Promoted, stored.ID)
			rep.Consumed += len(ids)
			log.Info("memory promoted", zap.String("topic", topic), zap.String("record", stored.ID),
				zap.Strings("inputs", ids), zap.Strings("supersedes", stored.Supersedes))
			prior = []domain.MemoryEntry{stored}
		}
	}
	c.Metrics.Promotion(len(rep.Promoted))
	return rep, nil
}

// Start runs compaction every interval until ctx is done.
func (c Compactor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log := logging.OrNop(c.Logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("memory compaction failed", zap.Error(err))
			}
		}
	}
}

func contradiction(a, b domain.MemoryEntry) (string, bool) {
	if claim, ok := opposes(a, b); ok {
		return fmt.Sprintf("%s decides %q, %s rejects it", a.ID, claim, b.ID), true
	}
	if claim, ok := opposes(b, a); ok {
		return fmt.Sprintf("%s decides %q, %s rejects it", b.ID, claim, a.ID), true
	}
	return "", false
}

func opposes(decider, rejecter domain.MemoryEntry) (string, bool) {
	rejected := map[string]bool{}
	for _, alt := range rejecter.Rejected {
		rejected[Normalize(alt.Option)] = true
	}
	for _, d := range decider.Decisions {
		if rejected[Normalize(d)] {
			return d, true
		}
	}
	return "", false
}

// converge groups entries linked by a shared decision. Groups of one are
// left alone.
func converge(entries []domain.MemoryEntry) [][]domain.MemoryEntry {
	parent := make([]int, len(entries))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	owner := map[string]int{}
	for i, e := range entries {
		for _, d := range e.Decisions {
			n := Normalize(d)
			if n == "" {
				continue
			}
			if j, ok := owner[n]; ok {
				ri, rj := find(i), find(j)
				if ri != rj {
					parent[ri] = rj
				}
				continue
			}
			owner[n] = i
		}
	}
	groups := map[int][]domain.MemoryEntry{}
	var roots []int
	for i, e := range entries {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], e)
	}
	var out [][]domain.MemoryEntry
	for _, r := range roots {
		if len(groups[r]) >= 2 {
			out = append(out, groups[r])
		}
	}
	return out
}

// merge folds a group into one decision record; the newest entry supplies
// goal and status. Decisions of the topic's prior records carry forward
// unless the group rejects them, and the record supersedes those records.
func merge(topic string, group, prior []domain.MemoryEntry, maxContext int) domain.MemoryEntry {
	sorted := append([]domain.MemoryEntry(nil), group...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	newest := sorted[len(sorted)-1]
	rec := domain.MemoryEntry{
		Kind:          domain.MemoryDecisionRecord,
		Topic:         topic,
		Goal:          newest.Goal,
		CurrentStatus: newest.CurrentStatus,
	}
	rejectedNow := map[string]bool{}
	decidedNow := map[string]bool{}
	for _, e := range sorted {
		for _, alt := range e.Rejected {
			rejectedNow[Normalize(alt.Option)] = true
		}
		for _, d := range e.Decisions {
			decidedNow[Normalize(d)] = true
		}
	}

	seen := map[string]bool{}
	seenRationale := map[string]bool{}
	seenRejected := map[string]bool{}
	add := func(e domain.MemoryEntry, inherited bool) {
		for _, d := range e.Decisions {
			n := Normalize(d)
			if n == "" || seen[n] || (inherited && rejectedNow[n]) {
				continue
			}
			seen[n] = true
			rec.Decisions = append(rec.Decisions, d)
		}
		for _, r := range e.Rationale {
			if n := Normalize(r); n != "" && !seenRationale[n] {
				seenRationale[n] = true
				rec.Rationale = append(rec.Rationale, r)
			}
		}
		for _, alt := range e.Rejected {
			n := Normalize(alt.Option)
			if n == "" || seenRejected[n] || (inherited && decidedNow[n]) {
				continue
			}
			seenRejected[n] = true
			rec.Rejected = append(rec.Rejected, alt)
		}
	}
	var ctxParts []string
	for _, p := range prior {
		add(p, true)
		rec.Supersedes = append(rec.Supersedes, p.ID)
		ctxParts = append(ctxParts, strings.TrimSpace(p.ContextText))
	}
	for _, e := range sorted {
		add(e, false)
		ctxParts = append(ctxParts, strings.TrimSpace(e.ContextText))
	}
	rec.ContextText = condense(ctxParts, maxContext)
	return rec
}

// condense joins context parts newest last and keeps as many of the newest
// parts as fit in limit runes. A newest part longer than limit is cut.
func condense(parts []string, limit int) string {
	const sep = "\n\n"
	if limit <= 0 {
		return strings.Join(parts, sep)
	}
	var kept []string
	size := 0
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if p == "" {
			continue
		}
		n := utf8.RuneCountInString(p)
		if len(kept) > 0 {
			n += len(sep)
		}
		if size+n > limit {
			if len(kept) == 0 {
				kept = append(kept, string([]rune(p)[:limit]))
			}
			break
		}
		kept = append(kept, p)
		size += n
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, sep)
}
