// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/bureau-foundation/scuttle/lib/sqlitepool"
)

// recorder captures listener calls as strings.
type recorder struct {
	calls []string
}

func (r *recorder) OnRunning(index, count int) {
	r.calls = append(r.calls, fmt.Sprintf("running %d/%d", index, count))
}

func (r *recorder) OnError(index, count, code int) {
	r.calls = append(r.calls, fmt.Sprintf("error %d/%d code %d", index, count, code))
}

func (r *recorder) OnDone(count int) {
	r.calls = append(r.calls, fmt.Sprintf("done %d", count))
}

func openPool(t *testing.T) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func countingStep(name string, runs *int, err error) Step {
	return Step{Name: name, Run: func(context.Context) error {
		*runs++
		return err
	}}
}

func TestRunSequences(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		steps func(runs []int) []Step
		want  []string
		fails bool
	}{
		{
			name:  "no migrations",
			steps: func([]int) []Step { return nil },
			want:  []string{"done 0"},
		},
		{
			name: "all run",
			steps: func(runs []int) []Step {
				return []Step{countingStep("a", &runs[0], nil), countingStep("b", &runs[1], nil), countingStep("c", &runs[2], nil)}
			},
			want: []string{"running 0/3", "running 1/3", "running 2/3", "done 3"},
		},
		{
			name: "second fails",
			steps: func(runs []int) []Step {
				return []Step{countingStep("a", &runs[0], nil), countingStep("b", &runs[1], boom), countingStep("c", &runs[2], nil)}
			},
			want:  []string{"running 0/3", "running 1/3", "error 1/3 code 0"},
			fails: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			runs := make([]int, 3)
			var listener recorder
			err := NewRunner(openPool(t), nil, nil).Run(context.Background(), test.steps(runs), &listener)
			if (err != nil) != test.fails {
				t.Fatalf("Run error = %v, fails = %v", err, test.fails)
			}
			if test.fails && !errors.Is(err, boom) {
				t.Errorf("error %v does not wrap the step error", err)
			}
			if !slices.Equal(listener.calls, test.want) {
				t.Errorf("calls = %q, want %q", listener.calls, test.want)
			}
		})
	}
}

func TestCompletedStepsAreSkipped(t *testing.T) {
	ctx := context.Background()
	pool := openPool(t)
	runner := NewRunner(pool, nil, nil)
	runs := make([]int, 3)

	first := []Step{countingStep("a", &runs[0], nil), countingStep("b", &runs[1], nil)}
	if err := runner.Run(ctx, first, nil); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	var listener recorder
	second := append(first, countingStep("c", &runs[2], nil))
	if err := runner.Run(ctx, second, &listener); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if want := []string{"running 2/3", "done 3"}; !slices.Equal(listener.calls, want) {
		t.Errorf("calls = %q, want %q", listener.calls, want)
	}
	if !slices.Equal(runs, []int{1, 1, 1}) {
		t.Errorf("runs = %v, want each step once", runs)
	}

	completed, err := runner.Completed(ctx)
	if err != nil {
		t.Fatalf("Completed: %v", err)
	}
	if len(completed) != 3 {
		t.Errorf("completed = %v", completed)
	}
}

func TestFailedStepRunsAgain(t *testing.T) {
	ctx := context.Background()
	runner := NewRunner(openPool(t), nil, nil)
	attempts := 0
	flaky := Step{Name: "flaky", Run: func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("disk full")
		}
		return nil
	}}
	if err := runner.Run(ctx, []Step{flaky}, nil); err == nil {
		t.Fatal("first Run succeeded")
	}
	if err := runner.Run(ctx, []Step{flaky}, Funcs{}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
