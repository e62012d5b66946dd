// Package tasks holds the task kinds compiled into the hive-worker binary.
//
// Each kind is referenced from a YAML definition by name:
//
//	task: checksum
//	args:
//	  data: "some input"
package tasks

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/hive/internal/task"
)

// Registry returns a registry with every built-in kind.
func Registry() *task.Registry {
	reg := task.NewRegistry()
	Register(reg)
	return reg
}

// Register adds the built-in kinds to reg.
func Register(reg *task.Registry) {
	reg.MustRegister("value", newValue)
	reg.MustRegister("echo", newEcho)
	reg.MustRegister("fail", newFail)
	reg.MustRegister("checksum", newChecksum)
	reg.MustRegister("sleep", newSleep)
	reg.MustRegister("context", newContext)
	reg.MustRegister("unserializable", newUnserializable)
	reg.MustRegister("async", newAsync)
	reg.MustRegister("progress", newProgress)
}

type valueArgs struct {
	Value any `yaml:"value"`
}

func newValue(def *task.Definition) (task.Task, error) {
	var args valueArgs
	if err := def.DecodeArgs(&args); err != nil {
		return nil, err
	}
	return task.Func(func(context.Context, task.Env) (any, error) {
		return args.Value, nil
	}), nil
}

// newEcho waits for one message from the parent and returns it.
func newEcho(*task.Definition) (task.Task, error) {
	return task.Func(func(ctx context.Context, env task.Env) (any, error) {
		if env.Channel == nil {
			return nil, errors.New("echo requires a channel")
		}
		var msg any
		if err := env.Channel.Receive(ctx, &msg); err != nil {
			return nil, fmt.Errorf("receive message: %w", err)
		}
		return msg, nil
	}), nil
}

type failArgs struct {
	Message string `yaml:"message"`
}

func newFail(def *task.Definition) (task.Task, error) {
	args := failArgs{Message: "task failed"}
	if err := def.DecodeArgs(&args); err != nil {
		return nil, err
	}
	return task.Func(func(context.Context, task.Env) (any, error) {
		return nil, errors.New(args.Message)
	}), nil
}

type checksumArgs struct {
	Data   string `yaml:"data"`
	Rounds int    `yaml:"rounds"`
}

func newChecksum(def *task.Definition) (task.Task, error) {
	args := checksumArgs{Rounds: 1}
	if err := def.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if args.Rounds < 1 {
		return nil, fmt.Errorf("rounds must be >= 1, got %d", args.Rounds)
	}
	return task.Func(func(ctx context.Context, _ task.Env) (any, error) {
		sum := blake3.Sum256([]byte(args.Data))
		for i := 1; i < args.Rounds; i++ {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			sum = blake3.Sum256(sum[:])
		}
		return hex.EncodeToString(sum[:]), nil
	}), nil
}

type sleepArgs struct {
	Duration time.Duration `yaml:"duration"`
}

func newSleep(def *task.Definition) (task.Task, error) {
	var args sleepArgs
	if err := def.DecodeArgs(&args); err != nil {
		return nil, err
	}
	return task.Func(func(ctx context.Context, _ task.Env) (any, error) {
		timer := time.NewTimer(args.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return args.Duration.String(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil
}

func newContext(*task.Definition) (task.Task, error) {
	return task.Func(func(_ context.Context, env task.Env) (any, error) {
		return env.Context, nil
	}), nil
}

// newUnserializable returns a value no codec can encode.
func newUnserializable(*task.Definition) (task.Task, error) {
	return task.Func(func(context.Context, task.Env) (any, error) {
		return map[string]any{"callback": func() {}}, nil
	}), nil
}

type asyncArgs struct {
	Value any           `yaml:"value"`
	Delay time.Duration `yaml:"delay"`
}

func newAsync(def *task.Definition) (task.Task, error) {
	var args asyncArgs
	if err := def.DecodeArgs(&args); err != nil {
		return nil, err
	}
	return task.Func(func(context.Context, task.Env) (any, error) {
		return task.Defer(func() (any, error) {
			time.Sleep(args.Delay)
			return args.Value, nil
		}), nil
	}), nil
}

// Progress is the message the progress kind sends for each step.
type Progress struct {
	Step  int `json:"step"`
	Total int `json:"total"`
}

type progressArgs struct {
	Steps int           `yaml:"steps"`
	Delay time.Duration `yaml:"delay"`
}

// newProgress reports each step to the parent before returning the step count.
func newProgress(def *task.Definition) (task.Task, error) {
	args := progressArgs{Steps: 3}
	if err := def.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if args.Steps < 0 {
		return nil, fmt.Errorf("steps must be >= 0, got %d", args.Steps)
	}
	return task.Func(func(ctx context.Context, env task.Env) (any, error) {
		if env.Channel == nil {
			return nil, errors.New("progress requires a channel")
		}
		for i := 1; i <= args.Steps; i++ {
			if args.Delay > 0 {
				timer := time.NewTimer(args.Delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				}
			}
			if err := env.Channel.Send(Progress{Step: i, Total: args.Steps}); err != nil {
				return nil, fmt.Errorf("send progress: %w", err)
			}
		}
		return args.Steps, nil
	}), nil
}
