package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestNewScheduler(t *testing.T) {
	s := NewScheduler(slog.Default())

	if s == nil {
		t.Fatal("NewScheduler returned nil")
	}
	if s.cron == nil {
		t.Error("Scheduler cron should not be nil")
	}
	if s.tasks == nil {
		t.Error("Scheduler tasks map should not be nil")
	}
	if s.running {
		t.Error("New scheduler should not be running")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(slog.Default())

	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("scheduler should be running after Start")
	}

	// Start is idempotent
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}
}

func TestScheduler_ListTasks(t *testing.T) {
	s := NewScheduler(slog.Default())

	tasks := s.ListTasks()
	if tasks == nil {
		t.Error("ListTasks should return non-nil slice")
	}
	if len(tasks) != 0 {
		t.Errorf("new scheduler should have 0 tasks, got %d", len(tasks))
	}

	task := func(ctx context.Context) error { return nil }
	if err := s.AddIntervalTask("reaper", time.Minute, task); err != nil {
		t.Fatalf("AddIntervalTask failed: %v", err)
	}
	if err := s.AddIntervalTask("dead_letter", time.Minute, task); err != nil {
		t.Fatalf("AddIntervalTask failed: %v", err)
	}

	tasks = s.ListTasks()
	if len(tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestScheduler_AddIntervalTask_ReplaceExisting(t *testing.T) {
	s := NewScheduler(slog.Default())

	task := func(ctx context.Context) error { return nil }

	if err := s.AddIntervalTask("reaper", time.Hour, task); err != nil {
		t.Fatalf("AddIntervalTask failed: %v", err)
	}
	if err := s.AddIntervalTask("reaper", 30*time.Minute, task); err != nil {
		t.Fatalf("replacing task failed: %v", err)
	}

	tasks := s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task after replace, got %d", len(tasks))
	}
}

func TestScheduler_AddCronTask_InvalidSchedule(t *testing.T) {
	s := NewScheduler(slog.Default())

	task := func(ctx context.Context) error { return nil }

	if err := s.AddCronTask("bad", "not a valid schedule", task); err == nil {
		t.Error("expected error for invalid schedule, got nil")
	}

	if len(s.ListTasks()) != 0 {
		t.Error("no task should be registered after failed add")
	}
}
