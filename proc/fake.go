package proc

import "context"

// Fake is a recording Controller for tests and replay mode. It never
// touches real processes.
type Fake struct {
	PauseCalls  [][]string
	ResumeCalls int
	PauseErr    error
	ResumeErr   error
}

var _ Controller = (*Fake)(nil)

func (f *Fake) Pause(_ context.Context, names []string) error {
	f.PauseCalls = append(f.PauseCalls, append([]string(nil), names...))
	return f.PauseErr
}

func (f *Fake) Resume(_ context.Context) error {
	f.ResumeCalls++
	return f.ResumeErr
}
