package protocol

import "time"

// Version is the only runner protocol version understood.
const Version = 1

// Test outcomes reported by a runner.
const (
	ResultPassed  = "passed"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Request is the envelope written to a test runner's stdin, one per test class.
type Request struct {
	Protocol   int       `json:"protocol"`
	BuildID    string    `json:"build_id"`
	Class      string    `json:"class"`
	Worker     string    `json:"worker,omitempty"`
	DeadlineAt time.Time `json:"deadline_at"`
}

// Response is the envelope a test runner writes to stdout once the class has run.
type Response struct {
	Status string       `json:"status"` // ok | error
	Error  string       `json:"error,omitempty"`
	Tests  []TestResult `json:"tests,omitempty"`
}

// TestResult describes one test executed within the class.
type TestResult struct {
	Name       string       `json:"name"`
	Result     string       `json:"result"` // passed | failed | skipped
	DurationMS int64        `json:"duration_ms,omitempty"`
	Output     []OutputLine `json:"output,omitempty"`
	Failure    string       `json:"failure,omitempty"`
}

// OutputLine is one line the test wrote while running.
type OutputLine struct {
	Stream string `json:"stream"` // stdout | stderr
	Text   string `json:"text"`
}

// Duration returns the reported run time.
func (r TestResult) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// BuildRequest is posted by the client to start a build.
type BuildRequest struct {
	Classes    []string `json:"classes"`
	LogLevel   string   `json:"log_level,omitempty"`
	MaxWorkers int      `json:"max_workers,omitempty"`
}

// BuildResult is the final message of a build stream.
type BuildResult struct {
	BuildID    string `json:"build_id"`
	Status     string `json:"status"` // succeeded | failed
	Tests      int    `json:"tests"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Succeeded reports whether the build passed.
func (r BuildResult) Succeeded() bool {
	return r.Status == "succeeded"
}
