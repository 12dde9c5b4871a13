package registry

import (
	"fmt"
	"sort"

	"rolegate/internal/config"
	"rolegate/internal/domain"
)

// ArbiterRole owns escalation records. It is never invoked as a pipeline stage.
const ArbiterRole domain.RoleID = "arbiter"

const arbiterDirectory = "escalations"

// Registry is the immutable role table. Lookups return copies.
type Registry struct {
	roles     map[domain.RoleID]domain.Role
	order     []domain.RoleID
	producers map[domain.ArtifactKind]domain.RoleID
	entry     domain.RoleID
}

// FromConfig builds the registry from the roles section, in declaration order.
func FromConfig(cfg *config.Config) (*Registry, error) {
	roles := make([]domain.Role, 0, len(cfg.Roles))
	for i, rc := range cfg.Roles {
		r := domain.Role{
			ID:                   domain.RoleID(rc.ID),
			Directory:            rc.Directory,
			PermittedDirectories: []string{rc.Directory},
			Produces:             domain.ArtifactKind(rc.Produces),
			RequiresRetrieval:    rc.RequiresRetrieval,
			Stage:                i,
			Invocable:            true,
		}
		for _, k := range rc.Reviews {
			r.Reviews = append(r.Reviews, domain.ArtifactKind(k))
		}
		for _, d := range rc.Dependencies {
			dep := domain.Dependency{Kind: domain.ArtifactKind(d.Kind)}
			for _, s := range d.Statuses {
				dep.Statuses = append(dep.Statuses, domain.ArtifactStatus(s))
			}
			r.Dependencies = append(r.Dependencies, dep)
		}
		for _, s := range rc.TerminalStatuses {
			r.TerminalStatuses = append(r.TerminalStatuses, domain.ArtifactStatus(s))
		}
		for _, h := range rc.Handoffs {
			r.Handoffs = append(r.Handoffs, domain.RoleID(h))
		}
		for _, c := range rc.Capabilities {
			r.Capabilities = append(r.Capabilities, domain.Capability(c))
		}
		roles = append(roles, r)
	}
	return New(roles, domain.RoleID(cfg.Pipeline.Entry))
}

// New validates roles and freezes them. The arbiter role is added implicitly.
func New(roles []domain.Role, entry domain.RoleID) (*Registry, error) {
	reg := &Registry{
		roles:     make(map[domain.RoleID]domain.Role, len(roles)+1),
		producers: make(map[domain.ArtifactKind]domain.RoleID, len(roles)+1),
		entry:     entry,
	}
	for _, r := range roles {
		if r.ID == "" || r.ID == ArbiterRole {
			return nil, fmt.Errorf("invalid role id %q", r.ID)
		}
		if _, dup := reg.roles[r.ID]; dup {
			return nil, fmt.Errorf("role %s defined twice", r.ID)
		}
		if !r.Produces.Valid() || r.Produces == domain.KindEscalation {
			return nil, fmt.Errorf("role %s produces invalid kind %q", r.ID, r.Produces)
		}
		if other, dup := reg.producers[r.Produces]; dup {
			return nil, fmt.Errorf("roles %s and %s both produce %s", other, r.ID, r.Produces)
		}
		if len(r.PermittedDirectories) == 0 {
			r.PermittedDirectories = []string{r.Directory}
		}
		r.Invocable = true
		reg.roles[r.ID] = clone(r)
		reg.order = append(reg.order, r.ID)
		reg.producers[r.Produces] = r.ID
	}
	reg.roles[ArbiterRole] = domain.Role{
		ID:                   ArbiterRole,
		Directory:            arbiterDirectory,
		PermittedDirectories: []string{arbiterDirectory},
		Produces:             domain.KindEscalation,
		TerminalStatuses:     []domain.ArtifactStatus{domain.StatusDecided},
		Stage:                -1,
	}
	reg.producers[domain.KindEscalation] = ArbiterRole
	for _, id := range reg.order {
		r := reg.roles[id]
		for _, h := range r.Handoffs {
			if _, ok := reg.roles[h]; !ok || h == ArbiterRole {
				return nil, fmt.Errorf("role %s: %w: handoff %s", r.ID, domain.ErrUnknownRole, h)
			}
		}
		for _, d := range r.Dependencies {
			if _, ok := reg.producers[d.Kind]; !ok {
				return nil, fmt.Errorf("role %s depends on %s which no role produces", r.ID, d.Kind)
			}
		}
		for _, k := range r.Reviews {
			if !k.Valid() {
				return nil, fmt.Errorf("role %s reviews invalid kind %q", r.ID, k)
			}
		}
	}
	if r, ok := reg.roles[entry]; !ok || !r.Invocable {
		return nil, fmt.Errorf("entry role %s: %w", entry, domain.ErrUnknownRole)
	}
	return reg, nil
}

func (r *Registry) Get(id domain.RoleID) (domain.Role, bool) {
	role, ok := r.roles[id]
	if !ok {
		return domain.Role{}, false
	}
	return clone(role), true
}

// Has reports whether id is an invocable pipeline role.
func (r *Registry) Has(id domain.RoleID) bool {
	role, ok := r.roles[id]
	return ok && role.Invocable
}

func (r *Registry) Entry() domain.RoleID { return r.entry }

// Stage returns the pipeline ordinal, or -1 for unknown and non-invocable roles.
func (r *Registry) Stage(id domain.RoleID) int {
	role, ok := r.roles[id]
	if !ok || !role.Invocable {
		return -1
	}
	return role.Stage
}

// ProducerOf returns the single role that produces kind.
func (r *Registry) ProducerOf(kind domain.ArtifactKind) (domain.Role, bool) {
	id, ok := r.producers[kind]
	if !ok {
		return domain.Role{}, false
	}
	return r.Get(id)
}

// Reviewers returns roles allowed to set the review status of kind.
func (r *Registry) Reviewers(kind domain.ArtifactKind) []domain.RoleID {
	var out []domain.RoleID
	for _, id := range r.order {
		if r.roles[id].CanReview(kind) {
			out = append(out, id)
		}
	}
	return out
}

// WithCapability returns the first role, by stage, holding c.
func (r *Registry) WithCapability(c domain.Capability) (domain.Role, bool) {
	for _, id := range r.order {
		if r.roles[id].HasCapability(c) {
			return r.Get(id)
		}
	}
	return domain.Role{}, false
}

// All returns invocable roles ordered by stage.
func (r *Registry) All() []domain.Role {
	out := make([]domain.Role, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, clone(r.roles[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// Directories maps artifact kinds to their owning directory.
func (r *Registry) Directories() map[domain.ArtifactKind]string {
	out := make(map[domain.ArtifactKind]string, len(r.producers))
	for kind, id := range r.producers {
		out[kind] = r.roles[id].Directory
	}
	return out
}

func clone(r domain.Role) domain.Role {
	r.PermittedDirectories = append([]string(nil), r.PermittedDirectories...)
	r.Reviews = append([]domain.ArtifactKind(nil), r.Reviews...)
	r.TerminalStatuses = append([]domain.ArtifactStatus(nil), r.TerminalStatuses...)
	r.Handoffs = append([]domain.RoleID(nil), r.Handoffs...)
	r.Capabilities = append([]domain.Capability(nil), r.Capabilities...)
	deps := make([]domain.Dependency, len(r.Dependencies))
	for i, d := range r.Dependencies {
		deps[i] = domain.Dependency{Kind: d.Kind, Statuses: append([]domain.ArtifactStatus(nil), d.Statuses...)}
	}
	r.Dependencies = deps
	return r
}
