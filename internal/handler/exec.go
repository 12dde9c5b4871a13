package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"rolegate/internal/config"
	"rolegate/internal/domain"
	"rolegate/internal/engine"
	"rolegate/internal/logging"
	"rolegate/internal/memory"
)

const (
	PhaseRetrieve = "retrieve"
	PhaseProduce  = "produce"
)

const defaultTimeout = 10 * time.Minute

// Request is written to the process on stdin for each phase.
type Request struct {
	Phase        string                       `json:"phase"`
	RunID        string                       `json:"run_id"`
	Role         domain.RoleID                `json:"role"`
	Sequence     string                       `json:"sequence_id"`
	Topic        string                       `json:"topic"`
	Readable     []string                     `json:"readable_artifacts"`
	Attempt      int                          `json:"attempt"`
	Feedback     string                       `json:"feedback,omitempty"`
	PatternFlags []domain.SystemicPatternFlag `json:"pattern_flags,omitempty"`
	Results      []domain.MemoryEntry         `json:"memory_results,omitempty"`
}

// RetrievePlan is the process answer to the retrieve phase.
type RetrievePlan struct {
	Queries []memory.Query `json:"queries"`
}

// Exec runs an external command per phase so memory retrieval happens
// before the process produces its artifact.
type Exec struct {
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
	Logger  *zap.Logger
}

func (x Exec) Invoke(ctx context.Context, inv engine.Invocation) (domain.Outcome, error) {
	var plan RetrievePlan
	if err := x.call(ctx, x.request(inv, PhaseRetrieve, nil), &plan); err != nil {
		return domain.Outcome{}, err
	}
	var results []domain.MemoryEntry
	for _, q := range plan.Queries {
		got, err := inv.Memory.Retrieve(ctx, q)
		if err != nil {
			return domain.Outcome{}, err
		}
		results = append(results, got...)
	}
	var s Script
	if err := x.call(ctx, x.request(inv, PhaseProduce, results), &s); err != nil {
		return domain.Outcome{}, err
	}
	return s.Invoke(ctx, inv)
}

func (x Exec) request(inv engine.Invocation, phase string, results []domain.MemoryEntry) Request {
	return Request{
		Phase:        phase,
		RunID:        inv.RunID,
		Role:         inv.Role.ID,
		Sequence:     inv.Run.SequenceID,
		Topic:        inv.Run.Topic,
		Readable:     inv.Readable,
		Attempt:      inv.Attempt,
		Feedback:     inv.Feedback,
		PatternFlags: inv.PatternFlags,
		Results:      results,
	}
}

func (x Exec) call(ctx context.Context, req Request, v any) error {
	if len(x.Command) == 0 {
		return errors.New("exec handler: no command configured")
	}
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	input, err := json.Marshal(req)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, x.Command[0], x.Command[1:]...)
	cmd.Dir = x.Dir
	if len(x.Env) > 0 {
		cmd.Env = append(cmd.Environ(), x.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	start := time.Now()
	err = cmd.Run()
	logging.OrNop(x.Logger).Debug("role process finished",
		zap.String("role", string(req.Role)), zap.String("phase", req.Phase),
		zap.Duration("took", time.Since(start)), zap.Error(err))
	if err != nil {
		return fmt.Errorf("exec %s (%s phase): %w: %s", x.Command[0], req.Phase, err, strings.TrimSpace(stderr.String()))
	}
	dec := json.NewDecoder(&stdout)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("exec %s (%s phase): decode output: %w", x.Command[0], req.Phase, err)
	}
	return nil
}

// FromConfig builds exec handlers for every role that configures a command.
func FromConfig(cfg *config.Config, workspace string, log *zap.Logger) map[domain.RoleID]engine.Handler {
	out := map[domain.RoleID]engine.Handler{}
	for _, rc := range cfg.Roles {
		if len(rc.Exec) == 0 {
			continue
		}
		out[domain.RoleID(rc.ID)] = Exec{
			Command: rc.Exec,
			Dir:     workspace,
			Env:     []string{"ROLEGATE_ROLE=" + rc.ID},
			Logger:  logging.OrNop(log).Named("exec"),
		}
	}
	return out
}
