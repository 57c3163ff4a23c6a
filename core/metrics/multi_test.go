package metrics

import "testing"

type recordSink struct {
	count int
}

func (r *recordSink) RecordTask(TaskEvent) error {
	r.count++
	return nil
}

func (r *recordSink) RecordWindowSolve(WindowSolveEvent) error {
	r.count++
	return nil
}

type taskOnly struct{ count int }

func (r *taskOnly) RecordTask(TaskEvent) error {
	r.count++
	return nil
}

// TestMultiSink ensures events are forwarded to all sinks that support them.
func TestMultiSink(t *testing.T) {
	s1 := &recordSink{}
	s2 := &taskOnly{}
	m := NewMultiSink(s1, s2)
	if err := m.RecordTask(TaskEvent{Task: "a"}); err != nil {
		t.Fatalf("record task: %v", err)
	}
	if err := m.RecordWindowSolve(WindowSolveEvent{}); err != nil {
		t.Fatalf("record window: %v", err)
	}
	if err := m.RecordSeries(SeriesEvent{}); err != nil {
		t.Fatalf("record series: %v", err)
	}
	if s1.count != 2 || s2.count != 1 {
		t.Fatalf("events not forwarded: %d %d", s1.count, s2.count)
	}
}
