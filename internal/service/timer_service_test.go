package service

import (
	"errors"
	"examguard_backend/internal/model"
	"examguard_backend/internal/util"
	"testing"
	"time"
)

func TestTimerValidate(t *testing.T) {
	exam := &model.Exam{TimeLimitMinutes: 60}
	cases := []struct {
		name      string
		elapsed   time.Duration
		mode      TimerMode
		wantErr   error
		remaining time.Duration
		grace     bool
		late      bool
	}{
		{"within limit", 30 * time.Minute, ModeAutosave, nil, 30 * time.Minute, false, false},
		{"exactly at limit", 60 * time.Minute, ModeAutosave, nil, 0, false, false},
		{"inside grace", 61 * time.Minute, ModeAutosave, nil, 0, true, false},
		{"past grace autosave", 63 * time.Minute, ModeAutosave, util.ErrTimeExpired, 0, false, true},
		{"past grace query", 63 * time.Minute, ModeQuery, util.ErrTimeExpired, 0, false, true},
		{"past grace submit", 63 * time.Minute, ModeSubmit, nil, 0, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock(testStart.Add(tc.elapsed))
			timer := NewTimerService(clock, DefaultPolicy())
			attempt := &model.ExamAttempt{StartedAt: testStart}

			check, err := timer.Validate(attempt, exam, nil, tc.mode)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if check.Remaining != tc.remaining || check.GraceActive != tc.grace || check.Late != tc.late {
				t.Fatalf("unexpected check %+v", check)
			}
			if attempt.GraceUsed != tc.grace {
				t.Fatalf("grace used = %v, want %v", attempt.GraceUsed, tc.grace)
			}
		})
	}
}

func TestTimerGraceConsumedOnce(t *testing.T) {
	clock := newFakeClock(testStart.Add(61 * time.Minute))
	timer := NewTimerService(clock, DefaultPolicy())
	exam := &model.Exam{TimeLimitMinutes: 60}
	attempt := &model.ExamAttempt{StartedAt: testStart}

	first, _ := timer.Validate(attempt, exam, nil, ModeAutosave)
	second, _ := timer.Validate(attempt, exam, nil, ModeAutosave)
	if !first.GraceConsumed || second.GraceConsumed {
		t.Fatalf("grace should be consumed only on first check: %v %v", first.GraceConsumed, second.GraceConsumed)
	}
	if len(timer.Events(first)) != 1 || len(timer.Events(second)) != 0 {
		t.Fatal("GRACE_PERIOD_USED should be emitted once")
	}
}

func TestTimerUnlimitedAndDrift(t *testing.T) {
	clock := newFakeClock(testStart.Add(10 * time.Hour))
	timer := NewTimerService(clock, DefaultPolicy())
	attempt := &model.ExamAttempt{StartedAt: testStart}

	check, err := timer.Validate(attempt, &model.Exam{TimeLimitMinutes: 0}, nil, ModeAutosave)
	if err != nil || !check.Unlimited {
		t.Fatalf("exam without limit never expires: %+v %v", check, err)
	}
	if timer.Remaining(attempt, &model.Exam{}) != 0 {
		t.Fatal("unlimited exam reports 0 remaining")
	}

	client := clock.Now().Add(-6 * time.Minute)
	check, err = timer.Validate(attempt, &model.Exam{TimeLimitMinutes: 0}, &client, ModeAutosave)
	if err != nil || !check.DriftSuspicious || check.Drift != 6*time.Minute {
		t.Fatalf("expected suspicious drift, got %+v %v", check, err)
	}
	events := timer.Events(check)
	if len(events) != 1 || events[0].Type != model.EventTimeManipulation || events[0].Severity != model.SeverityHigh {
		t.Fatalf("unexpected drift events %+v", events)
	}
}

func TestParseClientTime(t *testing.T) {
	want := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	cases := map[string]*time.Time{
		"2024-05-01T09:30:00Z":      &want,
		"2024-05-01T11:30:00+02:00": &want,
		"2024-05-01T09:30:00":       &want,
		"1714555800000":             &want,
		"":                          nil,
		"yesterday":                 nil,
		"-5":                        nil,
	}
	for raw, expected := range cases {
		got := ParseClientTime(raw)
		switch {
		case expected == nil && got != nil:
			t.Errorf("%q: expected nil, got %v", raw, got)
		case expected != nil && (got == nil || !got.Equal(*expected)):
			t.Errorf("%q: expected %v, got %v", raw, expected, got)
		}
	}
}
