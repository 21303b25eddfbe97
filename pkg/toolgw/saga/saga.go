// Package saga runs multi-step tool sequences with compensating rollback.
// Steps form an explicit dependency DAG; on failure after at least one
// completed step, compensations run in reverse topological order rather than
// plain LIFO, because a later step may depend on several earlier ones.
// Compensations go through the same gateway pipeline as forward steps and are
// expected to be idempotent.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/convoctl/pkg/toolgw"
)

// Status is the lifecycle state of a saga or compensation record.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCompensated   Status = "compensated"
	StatusUnrecoverable Status = "unrecoverable"
)

// Step is one forward operation plus its optional compensation.
type Step struct {
	Name       string
	Invocation toolgw.Invocation
	DependsOn  []string

	// Compensation semantically reverses the step after it completed. Nil
	// means the step cannot be undone; its completion survives rollback.
	Compensation *toolgw.Invocation
}

// CompensationRecord tracks one executed compensation.
type CompensationRecord struct {
	InvocationID     string    `json:"invocation_id"`
	CompensatingTool string    `json:"compensating_tool"`
	DependencyOrder  int       `json:"dependency_order"`
	Status           Status    `json:"status"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
}

// Outcome reports what the executor did.
type Outcome struct {
	Status        Status
	Completed     []string
	FailedStep    string
	FailedErr     *toolgw.Error
	Compensations []CompensationRecord
}

// Executor drives sagas through a gateway.
type Executor struct {
	gw     *toolgw.Gateway
	logger *slog.Logger
}

func NewExecutor(gw *toolgw.Gateway, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{gw: gw, logger: logger}
}

// Run executes the steps in topological order, stopping at the first failure
// and compensating every completed step in reverse topological order. A
// failed compensation marks the saga unrecoverable and is surfaced for
// operator intervention; it is not retried here beyond the gateway's own
// bounded retry.
func (e *Executor) Run(ctx context.Context, steps []Step, permissions []string) (Outcome, error) {
	order, err := topoSort(steps)
	if err != nil {
		return Outcome{}, err
	}
	byName := make(map[string]Step, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}

	out := Outcome{Status: StatusCompleted}
	for _, name := range order {
		step := byName[name]
		_, gerr := e.gw.Invoke(ctx, step.Invocation, permissions)
		if gerr == nil {
			out.Completed = append(out.Completed, name)
			continue
		}
		out.FailedStep = name
		out.FailedErr = gerr
		e.logger.Warn("saga step failed",
			"step", name,
			"tool", step.Invocation.Tool,
			"kind", string(gerr.Kind),
			"completed_steps", len(out.Completed),
		)
		if len(out.Completed) == 0 {
			out.Status = StatusFailed
			return out, gerr
		}
		return e.compensate(ctx, byName, order, &out, permissions)
	}
	return out, nil
}

func (e *Executor) compensate(ctx context.Context, byName map[string]Step, order []string, out *Outcome, permissions []string) (Outcome, error) {
	completed := make(map[string]bool, len(out.Completed))
	for _, name := range out.Completed {
		completed[name] = true
	}

	out.Status = StatusCompensated
	depOrder := 0
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if !completed[name] {
			continue
		}
		step := byName[name]
		if step.Compensation == nil {
			continue
		}
		depOrder++
		rec := CompensationRecord{
			InvocationID:     step.Invocation.ID,
			CompensatingTool: step.Compensation.Tool,
			DependencyOrder:  depOrder,
		}
		final, gerr := e.gw.Invoke(ctx, *step.Compensation, permissions)
		if gerr != nil {
			rec.Status = StatusUnrecoverable
			out.Compensations = append(out.Compensations, rec)
			out.Status = StatusUnrecoverable
			e.logger.Error("compensation failed, manual intervention required",
				"step", name,
				"compensating_tool", step.Compensation.Tool,
				"kind", string(gerr.Kind),
			)
			return *out, &toolgw.Error{
				Kind:    toolgw.KindUnrecoverable,
				Message: fmt.Sprintf("compensation for step %q failed", name),
				Err:     gerr,
			}
		}
		rec.Status = StatusCompensated
		rec.CompletedAt = final.CompletedAt
		out.Compensations = append(out.Compensations, rec)
	}
	return *out, out.FailedErr
}

// topoSort returns a stable topological order of the steps (Kahn's
// algorithm, declaration order among ready steps) or an error on unknown or
// cyclic dependencies.
func topoSort(steps []Step) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	names := make([]string, 0, len(steps))
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		if known[s.Name] {
			return nil, fmt.Errorf("saga: duplicate step %q", s.Name)
		}
		known[s.Name] = true
		names = append(names, s.Name)
		indegree[s.Name] = 0
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("saga: step %q depends on unknown step %q", s.Name, dep)
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var ready, order []string
	for _, name := range names {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, fmt.Errorf("saga: dependency cycle among steps")
	}
	return order, nil
}
