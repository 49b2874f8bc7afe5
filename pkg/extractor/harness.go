package extractor

import "github.com/google/uuid"

// WorkItem is one image queued for extraction by a multi-process
// harness (spec.md §5/§6's `dyldex-multi`): a worker process claims a
// WorkItem, extracts it in isolation, and reports back a Result. No
// production IPC transport is implemented here — these are the
// interfaces a transport (a unix-socket RPC, a work-stealing queue)
// would be built against.
type WorkItem struct {
	ID        uuid.UUID
	ImagePath string
}

// NewWorkItem tags an image path with a fresh job id.
func NewWorkItem(imagePath string) WorkItem {
	return WorkItem{ID: uuid.New(), ImagePath: imagePath}
}

// Result is what a worker reports back for one WorkItem.
type Result struct {
	ID       uuid.UUID
	OutPath  string
	Err      error
}

// Dispatcher hands WorkItems to workers and collects Results; a real
// implementation would own a process pool and a transport, out of
// scope per spec.md's multi-process harness Non-goal.
type Dispatcher interface {
	Dispatch(item WorkItem) error
	Results() <-chan Result
}

// SequentialDispatcher is the in-process Dispatcher each dyldex-multi
// worker uses: it
// runs every WorkItem on the calling goroutine through a single shared
// Context, exercising the same Extract path a multi-process worker
// would, without the process-isolation overhead.
type SequentialDispatcher struct {
	ctx     *Context
	results chan Result
}

// NewSequentialDispatcher builds a Dispatcher backed by ctx.
func NewSequentialDispatcher(ctx *Context) *SequentialDispatcher {
	return &SequentialDispatcher{ctx: ctx, results: make(chan Result, 1)}
}

func (d *SequentialDispatcher) Dispatch(item WorkItem) error {
	_, err := d.ctx.Extract(item.ImagePath)
	d.results <- Result{ID: item.ID, Err: err}
	return err
}

func (d *SequentialDispatcher) Results() <-chan Result { return d.results }
