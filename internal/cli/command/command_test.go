package command

import (
	"strings"
	"testing"

	apperrors "apexhv/pkg/errors"
)

func TestLookup(t *testing.T) {
	commands := Registry()

	cmd, args, err := Lookup(commands, []string{"partition", "sensor one"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got := cmd.Path(args); got != "/api/v1/partitions/sensor%20one" {
		t.Fatalf("unexpected path %s", got)
	}

	tests := []struct {
		tokens []string
		code   apperrors.ErrorCode
	}{
		{nil, apperrors.InvalidParams},
		{[]string{"nope"}, apperrors.InvalidParams},
		{[]string{"partition"}, apperrors.InvalidParams},
	}
	for _, tt := range tests {
		if _, _, err := Lookup(commands, tt.tokens); !apperrors.Is(err, tt.code) {
			t.Errorf("Lookup(%v) = %v, want code %d", tt.tokens, err, tt.code)
		}
	}
}

func TestUsagesSorted(t *testing.T) {
	usages := Usages(Registry())
	if len(usages) != 6 || usages[0] != "channels" {
		t.Fatalf("unexpected usages %v", usages)
	}
}

func TestFilterMetrics(t *testing.T) {
	body := strings.Join([]string{
		"# HELP apexhv_overruns_total Overruns",
		"# TYPE apexhv_overruns_total counter",
		`apexhv_overruns_total{partition="p1"} 2`,
		"# HELP go_goroutines Goroutines",
		"go_goroutines 7",
		"#",
	}, "\n")

	got := FilterMetrics(body, "apexhv_")
	if strings.Contains(got, "go_goroutines") {
		t.Fatalf("unexpected go metric in %q", got)
	}
	if strings.Count(got, "\n") != 3 {
		t.Fatalf("expected 3 lines, got %q", got)
	}
	if FilterMetrics(body, "") != body {
		t.Fatalf("empty prefix should keep the body")
	}
}
