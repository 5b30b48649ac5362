package store

import (
	"testing"

	"gestoria/pkg/domain"
)

func TestMilestoneColumnsCoverEveryMilestone(t *testing.T) {
	for _, m := range domain.MilestoneOrder {
		cols, ok := milestoneColumns[m]
		if !ok {
			t.Fatalf("milestone %q has no column mapping", m)
		}
		if cols[0] == "" || cols[1] == "" {
			t.Fatalf("milestone %q has empty column names: %v", m, cols)
		}
	}
	if len(milestoneColumns) != len(domain.MilestoneOrder) {
		t.Fatalf("column map has %d entries, want %d", len(milestoneColumns), len(domain.MilestoneOrder))
	}
}

func TestReminderColumn(t *testing.T) {
	if got := reminderColumn(domain.Reminder3d); got != "reminder_3d_sent" {
		t.Fatalf("3d column = %q", got)
	}
	if got := reminderColumn(domain.Reminder7d); got != "reminder_7d_sent" {
		t.Fatalf("7d column = %q", got)
	}
}

func TestNullable(t *testing.T) {
	if v := nullable(""); v != nil {
		t.Fatalf("empty string should map to nil, got %v", v)
	}
	if v := nullable("proc_1"); v != "proc_1" {
		t.Fatalf("non-empty string should pass through, got %v", v)
	}
}
