package daemon

// Lifecycle event types published on the daemon's hub and streamed by
// GET /events.
const (
	EventDaemonStarted  = "daemon.started"
	EventDaemonStopping = "daemon.stopping"
	EventBuildStarted   = "build.started"
	EventBuildCompleted = "build.completed"
	EventWorkerSpawned  = "worker.spawned"
)

// DaemonInfo accompanies EventDaemonStarted and EventDaemonStopping.
type DaemonInfo struct {
	PID    int    `json:"pid"`
	Addr   string `json:"addr"`
	Builds int    `json:"builds,omitempty"`
}

// BuildInfo accompanies EventBuildStarted.
type BuildInfo struct {
	BuildID    string   `json:"build_id"`
	Classes    []string `json:"classes"`
	MaxWorkers int      `json:"max_workers"`
}

// BuildOutcome accompanies EventBuildCompleted.
type BuildOutcome struct {
	BuildID    string `json:"build_id"`
	Status     string `json:"status"`
	Tests      int    `json:"tests"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
}

// WorkerInfo accompanies EventWorkerSpawned.
type WorkerInfo struct {
	BuildID string `json:"build_id"`
	Worker  string `json:"worker"`
}
