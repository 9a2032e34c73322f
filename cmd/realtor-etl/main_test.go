package main

import (
	"context"
	"testing"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
	"github.com/withObsrvr/realtor-etl/internal/catalog"
	"github.com/withObsrvr/realtor-etl/internal/checkpoint"
)

var now = time.Date(2024, time.December, 26, 3, 0, 0, 0, time.UTC)

func day(d int) artifact.LogicalDate { return artifact.NewLogicalDate(2024, time.December, d) }

// fixedCatalog reports a fixed last success and succeeded set.
type fixedCatalog struct {
	catalog.Writer
	last artifact.LogicalDate
	done map[artifact.LogicalDate]bool
}

func (c fixedCatalog) LastSucceeded(context.Context) (artifact.LogicalDate, bool, error) {
	return c.last, !c.last.IsZero(), nil
}

func (c fixedCatalog) SucceededDates(context.Context, artifact.LogicalDate, artifact.LogicalDate) (map[artifact.LogicalDate]bool, error) {
	return c.done, nil
}

func noCheckpoint(t *testing.T) checkpoint.Manager {
	t.Helper()
	m, err := checkpoint.NewManager(checkpoint.Config{})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSelectDates(t *testing.T) {
	cat := fixedCatalog{last: day(20), done: map[artifact.LogicalDate]bool{day(22): true}}

	tests := []struct {
		name string
		args []string
		want []artifact.LogicalDate
	}{
		{"default is yesterday", nil, []artifact.LogicalDate{day(25)}},
		{"explicit date", []string{"-date", "2024-12-01"}, []artifact.LogicalDate{day(1)}},
		{"range", []string{"-from", "2024-12-22", "-to", "2024-12-24"}, []artifact.LogicalDate{day(22), day(23), day(24)}},
		{"range to yesterday", []string{"-from", "2024-12-24"}, []artifact.LogicalDate{day(24), day(25)}},
		{"resume from catalog", []string{"-resume", "-to", "2024-12-23"}, []artifact.LogicalDate{day(21), day(22), day(23)}},
		{"missing only", []string{"-resume", "-to", "2024-12-23", "-missing-only"}, []artifact.LogicalDate{day(21), day(23)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseFlags(tt.args)
			if err != nil {
				t.Fatal(err)
			}
			got, err := selectDates(context.Background(), f, now, noCheckpoint(t), cat)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResumePrefersCheckpoint(t *testing.T) {
	ctx := context.Background()
	cp, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := cp.Advance(ctx, day(23), "r"); err != nil {
		t.Fatal(err)
	}

	f, _ := parseFlags([]string{"-resume"})
	got, err := selectDates(ctx, f, now, cp, fixedCatalog{last: day(10)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != day(24) || got[1] != day(25) {
		t.Errorf("got %v", got)
	}
}

func TestResumeUpToDate(t *testing.T) {
	f, _ := parseFlags([]string{"-resume"})
	got, err := selectDates(context.Background(), f, now, noCheckpoint(t), fixedCatalog{last: day(25)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want nothing to run", got)
	}
}

func TestSelectDatesErrors(t *testing.T) {
	cat := fixedCatalog{}
	bad := [][]string{
		{"-date", "12/25/2024"},
		{"-from", "2024-12-25", "-to", "2024-12-01"},
		{"-resume"}, // no checkpoint, no catalog history
	}
	for _, args := range bad {
		f, err := parseFlags(args)
		if err != nil {
			continue
		}
		if _, err := selectDates(context.Background(), f, now, noCheckpoint(t), cat); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestParseFlagsRejectsConflicts(t *testing.T) {
	for _, args := range [][]string{
		{"-date", "2024-12-25", "-from", "2024-12-01"},
		{"-from", "2024-12-01", "-resume"},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
