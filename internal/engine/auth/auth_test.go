package auth

import (
	"errors"
	"testing"

	"rolegate/internal/config"
	"rolegate/internal/domain"
	"rolegate/internal/registry"
)

func TestRequire(t *testing.T) {
	reg, err := registry.FromConfig(config.Default("demo"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	svc := Service{Registry: reg}
	if err := svc.Require("qa", domain.CapGateTechnical); err != nil {
		t.Fatalf("qa should hold gate.technical: %v", err)
	}
	err = svc.Require("implementer", domain.CapGateTechnical)
	var fe ForbiddenError
	if !errors.As(err, &fe) || !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if err := svc.Require("ghost", domain.CapRelease); !errors.Is(err, domain.ErrUnknownRole) {
		t.Fatalf("expected unknown role, got %v", err)
	}
	if err := svc.RequireReview("critic", domain.KindPlan); err != nil {
		t.Fatalf("critic reviews plans: %v", err)
	}
	if err := svc.RequireReview("critic", domain.KindQAReport); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("critic may not review qa: %v", err)
	}
}
