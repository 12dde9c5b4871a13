package auth

import (
	"fmt"

	"rolegate/internal/domain"
	"rolegate/internal/registry"
)

// ForbiddenError indicates a role lacks a capability.
type ForbiddenError struct {
	Role       domain.RoleID
	Capability domain.Capability
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s requires capability %s", e.Role, e.Capability)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrForbidden }

// ForbiddenReviewError indicates a role may not set review status on a kind.
type ForbiddenReviewError struct {
	Role domain.RoleID
	Kind domain.ArtifactKind
}

func (e ForbiddenReviewError) Error() string {
	return fmt.Sprintf("role %s may not review %s artifacts", e.Role, e.Kind)
}

func (e ForbiddenReviewError) Unwrap() error { return domain.ErrForbidden }

// Service checks role capabilities against the registry.
type Service struct {
	Registry *registry.Registry
}

func (s Service) role(id domain.RoleID) (domain.Role, error) {
	r, ok := s.Registry.Get(id)
	if !ok {
		return domain.Role{}, fmt.Errorf("%w: %s", domain.ErrUnknownRole, id)
	}
	return r, nil
}

func (s Service) Require(id domain.RoleID, c domain.Capability) error {
	r, err := s.role(id)
	if err != nil {
		return err
	}
	if !r.HasCapability(c) {
		return ForbiddenError{Role: id, Capability: c}
	}
	return nil
}

func (s Service) RequireReview(id domain.RoleID, kind domain.ArtifactKind) error {
	r, err := s.role(id)
	if err != nil {
		return err
	}
	if !r.CanReview(kind) || !r.HasCapability(domain.CapReview) {
		return ForbiddenReviewError{Role: id, Kind: kind}
	}
	return nil
}

// Capabilities lists what a role may do, for status output.
func (s Service) Capabilities(id domain.RoleID) ([]domain.Capability, error) {
	r, err := s.role(id)
	if err != nil {
		return nil, err
	}
	return r.Capabilities, nil
}
