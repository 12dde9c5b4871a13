package memory

import (
	"fmt"
	"sort"
	"strings"

	"rolegate/internal/domain"
)

// Conflict is a retrieved entry that contradicts an active artifact. When
// Reverses is false, the entry decided Claim and the artifact rejected it;
// otherwise the entry rejected Claim and the artifact decided it.
type Conflict struct {
	EntryID  string
	Artifact string
	Claim    string
	Reverses bool
}

func (c Conflict) String() string {
	if c.Reverses {
		return fmt.Sprintf("memory %s rejects %q which %s decided", c.EntryID, c.Claim, c.Artifact)
	}
	return fmt.Sprintf("memory %s decides %q which %s rejected", c.EntryID, c.Claim, c.Artifact)
}

func ConflictFlag(entryID string) string { return "MEMORY-CONFLICT[" + entryID + "]" }
func OverrideFlag(entryID string) string { return "MEMORY-OVERRIDE[" + entryID + "]" }

func normalizedSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		if n := Normalize(s); n != "" {
			out[n] = true
		}
	}
	return out
}

// DetectConflicts compares retrieved entries with the active artifacts.
func DetectConflicts(entries []domain.MemoryEntry, docs []domain.Artifact) []Conflict {
	var out []Conflict
	for _, doc := range docs {
		decided := normalizedSet(doc.Decisions)
		rejected := normalizedSet(doc.Rejected)
		for _, e := range entries {
			for _, d := range e.Decisions {
				if rejected[Normalize(d)] {
					out = append(out, Conflict{EntryID: e.ID, Artifact: doc.Path, Claim: d})
				}
			}
			for _, alt := range e.Rejected {
				if decided[Normalize(alt.Option)] {
					out = append(out, Conflict{EntryID: e.ID, Artifact: doc.Path, Claim: alt.Option, Reverses: true})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out
}

// CheckFlags applies the precedence rule to an outcome: active artifacts win
// over memory, every conflict is flagged in the body, and a decision taken
// from memory that no artifact covers is an explicitly flagged override of
// an unambiguous entry.
func CheckFlags(role domain.RoleID, out domain.Outcome, retrieved []domain.MemoryEntry, docs []domain.Artifact) error {
	violated := func(format string, args ...any) error {
		return domain.PostconditionViolatedError{Role: role, Reason: fmt.Sprintf(format, args...)}
	}
	conflicts := DetectConflicts(retrieved, docs)
	inConflict := map[string]bool{}
	decided := normalizedSet(out.Decisions)
	rejected := normalizedSet(out.Rejected)
	for _, c := range conflicts {
		inConflict[c.EntryID] = true
		if !strings.Contains(out.Body, ConflictFlag(c.EntryID)) {
			return violated("%s is not flagged with %s", c, ConflictFlag(c.EntryID))
		}
		claim := Normalize(c.Claim)
		if (!c.Reverses && decided[claim]) || (c.Reverses && rejected[claim]) {
			return violated("outcome adopts the memory side of a conflict: %s", c)
		}
	}

	covered := map[string]bool{}
	for _, doc := range docs {
		for k := range normalizedSet(doc.Decisions) {
			covered[k] = true
		}
		for k := range normalizedSet(doc.Rejected) {
			covered[k] = true
		}
	}
	byID := make(map[string]domain.MemoryEntry, len(retrieved))
	for _, e := range retrieved {
		byID[e.ID] = e
	}
	overrides := map[string]bool{}
	for _, id := range out.MemoryOverrides {
		e, ok := byID[id]
		if !ok {
			return violated("override names %s which was not retrieved", id)
		}
		if e.NeedsReconciliation || inConflict[id] {
			return violated("memory %s is ambiguous and cannot override documentation", id)
		}
		if !strings.Contains(out.Body, OverrideFlag(id)) {
			return violated("override of %s is not flagged with %s", id, OverrideFlag(id))
		}
		overrides[id] = true
	}
	for _, e := range retrieved {
		if overrides[e.ID] || inConflict[e.ID] {
			continue
		}
		for _, d := range e.Decisions {
			n := Normalize(d)
			if decided[n] && !covered[n] {
				return violated("decision %q comes from memory %s without a %s flag", d, e.ID, OverrideFlag(e.ID))
			}
		}
	}
	return nil
}
