package events

// ProgressState tracks the lifecycle of a long-running operation.
type ProgressState int

const (
	ProgressStarted ProgressState = iota
	ProgressRunning
	ProgressFinished
)

// Progress describes one step of a long-running operation such as file
// ingestion. Current counts toward Total while the state is running.
type Progress struct {
	State   ProgressState
	Name    string
	Total   int
	Current int
}
