package orchestrator

import (
	"sync"
	"time"
)

// JobState is the closed set of states a compilation job moves through.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobValidating JobState = "validating"
	JobResolving  JobState = "resolving"
	JobPackaging  JobState = "packaging"
	JobGenerating JobState = "generating"
	JobBuilding   JobState = "building"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// stateOrder gives every non-terminal state a monotonic rank so progress
// checks can assert it never goes backwards.
var stateOrder = map[JobState]int{
	JobQueued:     0,
	JobValidating: 1,
	JobResolving:  2,
	JobPackaging:  3,
	JobGenerating: 4,
	JobBuilding:   5,
	JobCompleted:  6,
	JobFailed:     6, // terminal, same rank as completed — both end the climb
}

func (s JobState) terminal() bool { return s == JobCompleted || s == JobFailed }

// FieldError is one structured error/warning entry attached to a Job.
type FieldError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Target  string `json:"target,omitempty"`
}

// Result is the assembled output of a successful compilation.
type Result struct {
	CompilationID string            `json:"compilation_id"`
	CacheKey      string            `json:"cache_key"`
	Outputs       map[string]string `json:"outputs"` // target -> output_path
	Metadata      ResultMetadata    `json:"metadata"`
	CreatedAt     time.Time         `json:"created_at"`
	Errors        []FieldError      `json:"errors"`
	Warnings      []FieldError      `json:"warnings"`
}

// ResultMetadata is the metadata sub-object attached to a Result.
type ResultMetadata struct {
	AssetManifestVersion int    `json:"asset_manifest_version"`
	ComponentCount       int    `json:"component_count"`
	TemplateID           string `json:"template_id"`
}

// Job tracks one compilation request end to end. Jobs are owned by the
// Orchestrator and live in memory for the process lifetime, or until the
// optional TTL reaper removes a completed record.
type Job struct {
	mu sync.Mutex

	ID            string
	CompilationHash string
	State         JobState
	Progress      int // percent, 0-100, monotonic
	CurrentStage  string
	Errors        []FieldError
	Warnings      []FieldError
	Result        *Result
	CreatedAt     time.Time
	CompletedAt   time.Time
	DuplicateOf   string // not set by any code path: a coalesced Start returns the existing job's id instead
}

// View is the read-only snapshot returned by Status/Result, decoupled from
// the live Job so callers can't mutate internal state.
type View struct {
	ID           string       `json:"compilation_id"`
	State        JobState     `json:"state"`
	Progress     int          `json:"progress"`
	CurrentStage string       `json:"current_stage"`
	Errors       []FieldError `json:"errors"`
	Warnings     []FieldError `json:"warnings"`
	Result       *Result      `json:"result,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  time.Time    `json:"completed_at,omitempty"`
	DuplicateOf  string       `json:"duplicate_of,omitempty"`
}

func (j *Job) snapshot() View {
	j.mu.Lock()
	defer j.mu.Unlock()
	return View{
		ID:           j.ID,
		State:        j.State,
		Progress:     j.Progress,
		CurrentStage: j.CurrentStage,
		Errors:       append([]FieldError(nil), j.Errors...),
		Warnings:     append([]FieldError(nil), j.Warnings...),
		Result:       j.Result,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
		DuplicateOf:  j.DuplicateOf,
	}
}

// transition advances the job's state: progress never decreases, and
// terminal states are stable — once failed/completed, further transitions
// are ignored.
func (j *Job) transition(state JobState, stage string, progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.State.terminal() {
		return
	}
	if stateOrder[state] < stateOrder[j.State] {
		return
	}
	j.State = state
	j.CurrentStage = stage
	if progress > j.Progress {
		j.Progress = progress
	}
	if state.terminal() {
		j.CompletedAt = time.Now()
	}
}

func (j *Job) addError(fe FieldError) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Errors = append(j.Errors, fe)
}

func (j *Job) addWarning(fe FieldError) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Warnings = append(j.Warnings, fe)
}

func (j *Job) fail(fe FieldError) {
	j.mu.Lock()
	terminal := j.State.terminal()
	if !terminal {
		j.Errors = append(j.Errors, fe)
		j.State = JobFailed
		j.CompletedAt = time.Now()
	}
	j.mu.Unlock()
}

func (j *Job) complete(result *Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.State.terminal() {
		return
	}
	j.Result = result
	j.State = JobCompleted
	j.Progress = 100
	j.CurrentStage = ""
	j.CompletedAt = time.Now()
}

// jobTable is the in-memory job registry with an optional TTL reaper.
type jobTable struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]*Job)}
}

func (t *jobTable) put(j *Job) {
	t.mu.Lock()
	t.jobs[j.ID] = j
	t.mu.Unlock()
}

func (t *jobTable) get(id string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	return j, ok
}

// reapOlderThan removes completed/failed jobs whose CompletedAt predates
// the cutoff, implementing the optional TTL-based reaper.
func (t *jobTable) reapOlderThan(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, j := range t.jobs {
		j.mu.Lock()
		done := j.State.terminal() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(cutoff)
		j.mu.Unlock()
		if done {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}
