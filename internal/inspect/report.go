// Package inspect renders recorded builds for humans and scripts.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/kiln/internal/builds"
)

// Source is the read side of the build store.
type Source interface {
	Get(ctx context.Context, id string) (*builds.Build, error)
	Tests(ctx context.Context, buildID string) ([]builds.TestRecord, error)
}

// Report is the structured JSON representation of a build report.
type Report struct {
	BuildID    string        `json:"build_id"`
	Status     string        `json:"status"`
	Classes    []string      `json:"classes"`
	MaxWorkers int           `json:"max_workers"`
	Counts     builds.Counts `json:"counts"`
	CreatedAt  time.Time     `json:"created_at"`
	Duration   string        `json:"duration,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Workers    []Worker      `json:"workers"`
}

// Worker groups the tests one worker ran.
type Worker struct {
	Name  string `json:"name"`
	Tests []Test `json:"tests"`
}

// Test is one recorded test.
type Test struct {
	ID         string `json:"id"`
	Result     string `json:"result"`
	DurationMS int64  `json:"duration_ms"`
	Failure    string `json:"failure,omitempty"`
}

// BuildReport renders a terminal-friendly report for a build.
func BuildReport(ctx context.Context, src Source, buildID string) (string, error) {
	report, err := gather(ctx, src, buildID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Build Report\n")
	fmt.Fprintf(&out, "Build ID    : %s\n", report.BuildID)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Classes     : %s\n", strings.Join(report.Classes, ", "))
	fmt.Fprintf(&out, "Max workers : %d\n", report.MaxWorkers)
	fmt.Fprintf(&out, "Started     : %s\n", report.CreatedAt.Local().Format(time.DateTime))
	if report.Duration != "" {
		fmt.Fprintf(&out, "Duration    : %s\n", report.Duration)
	}
	c := report.Counts
	fmt.Fprintf(&out, "Tests       : %d (%d passed, %d failed, %d skipped)\n", c.Tests, c.Passed, c.Failed, c.Skipped)
	if report.LastError != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.LastError)
	}
	fmt.Fprintf(&out, "\n")

	for _, w := range report.Workers {
		fmt.Fprintf(&out, "[%s]\n", w.Name)
		for _, t := range w.Tests {
			fmt.Fprintf(&out, "    %-8s %s (%dms)\n", strings.ToUpper(t.Result), t.ID, t.DurationMS)
			if t.Failure == "" {
				continue
			}
			for _, line := range strings.Split(strings.TrimSpace(t.Failure), "\n") {
				fmt.Fprintf(&out, "      %s\n", line)
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src Source, buildID string) (string, error) {
	report, err := gather(ctx, src, buildID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gather(ctx context.Context, src Source, buildID string) (*Report, error) {
	b, err := src.Get(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("load build %s: %w", buildID, err)
	}
	tests, err := src.Tests(ctx, buildID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		BuildID:    b.ID,
		Status:     string(b.Status),
		Classes:    b.Classes,
		MaxWorkers: b.MaxWorkers,
		Counts:     b.Counts,
		CreatedAt:  b.CreatedAt,
	}
	if b.CompletedAt != nil {
		report.Duration = b.CompletedAt.Sub(b.CreatedAt).Round(time.Millisecond).String()
	}
	if b.LastError != nil {
		report.LastError = *b.LastError
	}

	byWorker := map[string]*Worker{}
	for _, t := range tests {
		name := t.Worker
		if name == "" {
			name = "unknown"
		}
		w, ok := byWorker[name]
		if !ok {
			w = &Worker{Name: name}
			byWorker[name] = w
		}
		w.Tests = append(w.Tests, Test{
			ID:         t.TestID,
			Result:     t.Result,
			DurationMS: t.EndedAt.Sub(t.StartedAt).Milliseconds(),
			Failure:    t.Failure,
		})
	}
	report.Workers = make([]Worker, 0, len(byWorker))
	for _, w := range byWorker {
		report.Workers = append(report.Workers, *w)
	}
	sort.Slice(report.Workers, func(i, j int) bool { return report.Workers[i].Name < report.Workers[j].Name })
	return report, nil
}
