package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/nuka-agents/internal/agent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ParseStrategy maps a name to a Strategy. An empty name means parallel.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case "":
		return StrategyParallel, nil
	case StrategyParallel, StrategySequential, StrategyRaceFirst, StrategyPriority:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// ExecuteParallel runs a batch with the given strategy.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, tasks []*agent.Task, strategy Strategy) ([]*agent.Result, error) {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			continue
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: %s appears twice in batch", ErrDuplicateTask, t.ID)
		}
		seen[t.ID] = true
	}
	o.logger.Info("executing batch",
		zap.String("strategy", string(strategy)),
		zap.Int("tasks", len(tasks)))

	switch strategy {
	case StrategyParallel:
		return o.runParallel(ctx, tasks)
	case StrategySequential:
		return o.runSequential(ctx, tasks)
	case StrategyRaceFirst:
		return o.runRaceFirst(ctx, tasks)
	case StrategyPriority:
		return o.runPriority(ctx, tasks)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
}

// runParallel fails fast: the first error cancels the rest. Results keep
// input order.
func (o *Orchestrator) runParallel(ctx context.Context, tasks []*agent.Task) ([]*agent.Result, error) {
	results := make([]*agent.Result, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			res, err := o.Execute(gctx, task)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, tasks []*agent.Task) ([]*agent.Result, error) {
	results := make([]*agent.Result, 0, len(tasks))
	for _, task := range tasks {
		res, err := o.Execute(ctx, task)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

type raceOutcome struct {
	res *agent.Result
	err error
}

// runRaceFirst returns the first successful result and cancels every
// other task. It fails only when every task fails.
func (o *Orchestrator) runRaceFirst(ctx context.Context, tasks []*agent.Task) ([]*agent.Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan raceOutcome, len(tasks))
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Execute(rctx, task)
			outcomes <- raceOutcome{res: res, err: err}
		}()
	}

	var lastErr error
	for range tasks {
		out := <-outcomes
		if out.err != nil {
			lastErr = out.err
			continue
		}
		cancel()
		o.pool.CancelAll()
		wg.Wait()
		o.logger.Info("race won",
			zap.String("task", out.res.TaskID),
			zap.String("agent", out.res.AgentID))
		return []*agent.Result{out.res}, nil
	}
	wg.Wait()
	return nil, lastErr
}

// runPriority runs each priority tier in parallel, highest tier first.
func (o *Orchestrator) runPriority(ctx context.Context, tasks []*agent.Task) ([]*agent.Result, error) {
	sorted := append([]*agent.Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	results := make([]*agent.Result, 0, len(sorted))
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Priority == sorted[start].Priority {
			end++
		}
		o.logger.Debug("running priority tier",
			zap.String("priority", sorted[start].Priority.String()),
			zap.Int("tasks", end-start))

		tier, err := o.runParallel(ctx, sorted[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, tier...)
		start = end
	}
	return results, nil
}
