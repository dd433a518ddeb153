package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/phrazzld/taskq/internal/domain"
	"github.com/phrazzld/taskq/internal/task"
)

// Built-in job kinds. Embedding services register their own executors; these
// exist to smoke-test a deployment end to end.
const (
	jobKindEcho  = "taskq.echo"
	jobKindSleep = "taskq.sleep"
)

type sleepPayload struct {
	DurationMS int64 `json:"duration_ms" validate:"gte=0,lte=3600000"`
}

func registerExecutors(r *task.Registry, logger *slog.Logger) error {
	if err := r.Register(jobKindEcho, task.ExecutorFunc(echo)); err != nil {
		return err
	}
	return r.Register(jobKindSleep, task.NewTypedExecutor(
		func(ctx context.Context, t *domain.Task, p sleepPayload) (json.RawMessage, error) {
			d := time.Duration(p.DurationMS) * time.Millisecond
			logger.Debug("sleeping", slog.String("task_id", t.ID.String()), slog.Duration("duration", d))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
			return json.Marshal(map[string]int64{"slept_ms": p.DurationMS})
		}))
}

// echo returns the task payload as its result.
func echo(_ context.Context, t *domain.Task) (json.RawMessage, error) {
	return t.PayloadJSON, nil
}
