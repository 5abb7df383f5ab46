package schema

// Source yields a Registry once it becomes available. Load is polled until
// it reports ready; it must be cheap and must not block.
type Source interface {
	Load() (Registry, bool)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func() (Registry, bool)

// Load calls f.
func (f SourceFunc) Load() (Registry, bool) { return f() }

// Notifier is implemented by sources that can signal readiness instead of
// being polled. Ready is closed once Load will report true.
type Notifier interface {
	Ready() <-chan struct{}
}

type staticSource struct {
	reg   Registry
	ready chan struct{}
}

// Static returns a Source that is ready immediately with reg.
func Static(reg Registry) Source {
	ch := make(chan struct{})
	close(ch)
	return &staticSource{reg: reg, ready: ch}
}

func (s *staticSource) Load() (Registry, bool)  { return s.reg, s.reg != nil }
func (s *staticSource) Ready() <-chan struct{} { return s.ready }
