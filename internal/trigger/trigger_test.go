package trigger

import (
	"testing"
	"time"
)

func TestIsDueNow(t *testing.T) {
	if !IsDue(Task{TriggerType: Now}, time.Now()) {
		t.Fatal("now trigger must always be due")
	}
}

func TestIsDueOnce(t *testing.T) {
	at := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	task := Task{TriggerType: Once, ScheduledAt: &at}
	if IsDue(task, at.Add(-time.Minute)) {
		t.Fatal("should not be due before scheduled_at")
	}
	if !IsDue(task, at) {
		t.Fatal("should be due at scheduled_at")
	}
}

func TestIsDueInterval(t *testing.T) {
	task := Task{TriggerType: Interval, IntervalSeconds: 60}
	now := time.Now()
	if !IsDue(task, now) {
		t.Fatal("interval task with nil last_run is always due")
	}
	last := now.Add(-30 * time.Second)
	task.LastRun = &last
	if IsDue(task, now) {
		t.Fatal("should not be due before interval elapses")
	}
	last = now.Add(-61 * time.Second)
	task.LastRun = &last
	if !IsDue(task, now) {
		t.Fatal("should be due once interval elapses")
	}
}

func TestIsDueEventNeverFiresFromScan(t *testing.T) {
	if IsDue(Task{TriggerType: Event}, time.Now()) {
		t.Fatal("event triggers must never fire from the time-based scan")
	}
}

func TestMalformedCronNeverDue(t *testing.T) {
	task := Task{TriggerType: Cron, CronExpr: "not a cron"}
	if IsDue(task, time.Now()) {
		t.Fatal("malformed cron must yield is_due=false")
	}
}

func TestCronFewerThanFiveFields(t *testing.T) {
	task := Task{TriggerType: Cron, CronExpr: "0 9 * *"}
	for _, now := range []time.Time{time.Now(), time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)} {
		if IsDue(task, now) {
			t.Fatalf("expression with 4 fields must never be due, got due at %v", now)
		}
	}
}

func TestCronIgnoresDomAndMonth(t *testing.T) {
	// "0 9 1 1 *" means minute=0 hour=9 on Jan 1st — but dom/month are
	// day-of-month/month fields are ignored, so this fires every day at 09:00 UTC.
	next, ok := NextFire("0 9 1 1 *", time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatal("expected a valid next fire time")
	}
	want := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected dom/month to be ignored, got next=%v want=%v", next, want)
	}
}

func TestCronWeekdayAndLastRun(t *testing.T) {
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC) // Thursday
	task := Task{TriggerType: Cron, CronExpr: "0 9 * * 4"} // Thursday=4
	if !IsDue(task, now) {
		t.Fatal("expected due at exact fire minute on matching weekday")
	}
	task.LastRun = &now
	if IsDue(task, now) {
		t.Fatal("must not re-fire once last_run >= next_fire")
	}
}
