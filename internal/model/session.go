package model

import "time"

// ModuleType identifies the analysis module a session belongs to.
type ModuleType string

const (
	ModuleCapture    ModuleType = "capture"
	ModulePrediction ModuleType = "prediction"
	ModuleExplain    ModuleType = "explain"
	ModuleAttack     ModuleType = "attack"
)

// ModuleTypes lists all known modules in a stable order.
var ModuleTypes = []ModuleType{ModuleCapture, ModulePrediction, ModuleExplain, ModuleAttack}

// Mode distinguishes continuously-running, single-writer sessions from
// one-shot sessions that may run concurrently.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Session is one tracked analysis session. At most one session per module
// may be online and running at a time; the registry enforces this.
type Session struct {
	ID             string     `json:"sessionId"`
	Module         ModuleType `json:"module"`
	Mode           Mode       `json:"mode"`
	IsRunning      bool       `json:"isRunning"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
	CompletedAt    time.Time  `json:"completedAt,omitempty"`

	// State is the module-specific cumulative blob (for capture sessions a
	// *CaptureState). Reads through the registry return a shallow copy of
	// the Session; State must only be mutated inside a registry Update.
	State any `json:"-"`
}

// CaptureState is the per-session blob for capture sessions.
type CaptureState struct {
	PCAPFile    string   `json:"pcapFile,omitempty"`
	DatasetDir  string   `json:"datasetDir,omitempty"`
	Interface   string   `json:"interface,omitempty"`
	OutputDir   string   `json:"outputDir"`
	LogPath     string   `json:"logPath"`
	FailedFiles []string `json:"failedFiles,omitempty"`

	DPI *DPIState `json:"-"`
}

// CaptureRun is the controller-owned status of the single tracked capture
// subprocess. Callers receive copies; only the controller mutates it.
type CaptureRun struct {
	Running   bool       `json:"isRunning"`
	SessionID string     `json:"sessionId,omitempty"`
	Mode      Mode       `json:"mode,omitempty"`
	StartedAt time.Time  `json:"startedAt,omitempty"`
	OutputDir string     `json:"outputDir,omitempty"`
	LogPath   string     `json:"logPath,omitempty"`
}
