package metrics

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordTask forwards the record to all sinks, returning the first error encountered.
func (m *MultiSink) RecordTask(ev TaskEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordTask(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordWindowSolve forwards window solves when supported by the sink.
func (m *MultiSink) RecordWindowSolve(ev WindowSolveEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(WindowRecorder); ok {
			if err := rec.RecordWindowSolve(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordSeries forwards series when supported by the sink.
func (m *MultiSink) RecordSeries(ev SeriesEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(SeriesRecorder); ok {
			if err := rec.RecordSeries(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush flushes every sink that buffers.
func (m *MultiSink) Flush() error {
	for _, s := range m.Sinks {
		if f, ok := s.(Flusher); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}
