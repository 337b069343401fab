package coordinator

import (
	"sync"
	"time"

	"github.com/remgo/remgo/internal/scheduler"
	"github.com/remgo/remgo/internal/taskargs"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusCanceled
}

// subTask is the portion of a task assigned to a single slot. Owned by the
// parent task's polling goroutine.
type subTask struct {
	index      int
	device     int
	imageCount int
	subID      string
	startedAt  time.Time

	percentage int
	statusText string
	preview    *string
	results    []string
	finished   bool
	errMsg     string
}

func (st *subTask) terminal() bool {
	return st.finished || st.errMsg != ""
}

// task is the coordinator-owned record of one submission. All fields below
// mu are mutated only while holding it; after Submit returns, the polling
// goroutine is the sole writer except for the cancel flag.
type task struct {
	id          string
	totalImages int
	createdAt   time.Time
	request     taskargs.Request
	assignments []scheduler.Assignment

	mu           sync.Mutex
	status       Status
	percentage   int
	statusText   string
	preview      *string
	results      []string
	errs         []string
	subTasks     []*subTask
	cancelAsked  bool
	stopped      map[int]bool // devices already sent a stop RPC
	terminalSent bool
	finishedAt   time.Time
}

// AssignmentView is the per-GPU share reported on submission and status.
type AssignmentView struct {
	Device int `json:"device"`
	Images int `json:"images"`
}

// View is an immutable snapshot of a task for the HTTP surface.
type View struct {
	TaskID      string           `json:"task_id"`
	Status      Status           `json:"status"`
	Percentage  int              `json:"percentage"`
	StatusText  string           `json:"statusText"`
	Preview     *string          `json:"preview,omitempty"`
	Results     []string         `json:"results"`
	Errors      []string         `json:"errors,omitempty"`
	TotalImages int              `json:"total_images"`
	GPUs        []AssignmentView `json:"gpus"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (t *task) snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *task) snapshotLocked() View {
	v := View{
		TaskID:      t.id,
		Status:      t.status,
		Percentage:  t.percentage,
		StatusText:  t.statusText,
		Preview:     t.preview,
		Results:     append([]string(nil), t.results...),
		Errors:      append([]string(nil), t.errs...),
		TotalImages: t.totalImages,
		CreatedAt:   t.createdAt,
	}
	for _, a := range t.assignments {
		v.GPUs = append(v.GPUs, AssignmentView{Device: a.Device, Images: a.Images})
	}
	return v
}
