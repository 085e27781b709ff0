package offload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

// HandleState is the lifecycle position of a Handle.
type HandleState int32

const (
	StateUninitialized HandleState = iota
	StateInitializing
	StateActive
	StateDraining
	StateStopped
)

func (s HandleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// HandleStats is a point-in-time view of a Handle.
type HandleStats struct {
	Index        int                 `json:"index"`
	State        string              `json:"state"`
	Users        int                 `json:"users"`
	Outstanding  int                 `json:"outstanding"`
	Polls        int64               `json:"polls"`
	PollFailures int64               `json:"poll_failures"`
	DrainReason  DrainReason         `json:"drain_reason,omitempty"`
	Info         driver.InstanceInfo `json:"info"`
}

// loopConfig is shared by every polling loop of a section.
type loopConfig struct {
	pollDelay    func() time.Duration
	quota        uint32
	policy       FailurePolicy
	drainTimeout time.Duration
}

// Handle owns one accelerator instance and its polling loop.
type Handle struct {
	index   int
	section string
	inst    driver.InstanceHandle
	binding *driver.Binding
	events  *EventLogger
	metrics *MetricsCollector

	info driver.InstanceInfo

	mu          sync.Mutex
	cond        *sync.Cond
	state       HandleState
	users       int
	done        bool
	drainReason DrainReason
	seq         uint64
	inflight    map[uint64]driver.CompletionFunc

	wake   chan struct{}
	exited chan struct{}

	polls        atomic.Int64
	pollFailures atomic.Int64
}

func newHandle(index int, section string, inst driver.InstanceHandle, binding *driver.Binding, events *EventLogger, metrics *MetricsCollector) *Handle {
	h := &Handle{
		index:    index,
		section:  section,
		inst:     inst,
		binding:  binding,
		events:   events,
		metrics:  metrics,
		inflight: make(map[uint64]driver.CompletionFunc),
		wake:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// init runs the three initialization steps. The instance is started only if
// every step before it succeeded.
func (h *Handle) init(ctx context.Context) error {
	h.setState(StateInitializing)

	if err := h.binding.SetAddressTranslation(h.inst); err != nil {
		return NewHardwareInitError("address_translation", h.index, err)
	}
	info, err := h.binding.InstanceInfo(h.inst)
	if err != nil {
		return NewHardwareInitError("instance_info", h.index, err)
	}
	h.info = info
	if err := h.binding.StartInstance(h.inst); err != nil {
		return NewHardwareInitError("start_instance", h.index, err)
	}

	h.setState(StateActive)
	h.events.LogHandleStarted(ctx, h.section, h.index, info)
	return nil
}

func (h *Handle) setState(s HandleState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Index is the handle's position within its section.
func (h *Handle) Index() int { return h.index }

// Info returns the instance metadata reported at initialization.
func (h *Handle) Info() driver.InstanceInfo { return h.info }

// NUMANode is the NUMA node the instance is attached to.
func (h *Handle) NUMANode() int { return h.info.NUMANode }

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Users returns the number of connections bound to the handle.
func (h *Handle) Users() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.users
}

// Draining reports whether the handle has stopped accepting new work.
func (h *Handle) Draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Stats returns a snapshot of the handle.
func (h *Handle) Stats() HandleStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandleStats{
		Index:        h.index,
		State:        h.state.String(),
		Users:        h.users,
		Outstanding:  len(h.inflight),
		Polls:        h.polls.Load(),
		PollFailures: h.pollFailures.Load(),
		DrainReason:  h.drainReason,
		Info:         h.info,
	}
}

// AddUser registers a connection. It reports false once the handle is
// draining.
func (h *Handle) AddUser() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.users++
	if h.users == 1 {
		h.cond.Broadcast()
	}
	return true
}

// RemoveUser unregisters a connection. Removing from a zero count panics
// with *LogicError.
func (h *Handle) RemoveUser() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users == 0 {
		logicPanic("remove_user on instance %d of section %q with no users", h.index, h.section)
	}
	h.users--
}

// submit hands req to the driver. The completion is delivered at most once,
// either by the driver or by abandon when the handle stops first.
func (h *Handle) submit(req *driver.Request) error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return NewOperationFailure(req.Kind.String(), "instance is draining", nil).
			WithContext("instance", h.index)
	}
	h.seq++
	id := h.seq
	h.inflight[id] = req.Done
	h.mu.Unlock()

	wrapped := *req
	wrapped.Done = func(status driver.Status, output []byte) {
		if done, ok := h.takeInflight(id); ok {
			done(status, output)
		}
	}
	if err := h.binding.Submit(h.inst, &wrapped); err != nil {
		h.takeInflight(id)
		return err
	}
	return nil
}

func (h *Handle) takeInflight(id uint64) (driver.CompletionFunc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	done, ok := h.inflight[id]
	if ok {
		delete(h.inflight, id)
	}
	return done, ok
}

// abandon fails every operation still waiting on the instance.
func (h *Handle) abandon() int {
	h.mu.Lock()
	pending := h.inflight
	h.inflight = make(map[uint64]driver.CompletionFunc)
	h.mu.Unlock()

	for _, done := range pending {
		done(driver.StatusFail, nil)
	}
	return len(pending)
}

// markDraining moves the handle out of the selection rotation and wakes its
// loop. Only the first call has any effect.
func (h *Handle) markDraining(ctx context.Context, reason DrainReason) bool {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return false
	}
	h.done = true
	h.state = StateDraining
	h.drainReason = reason
	outstanding := len(h.inflight)
	h.cond.Broadcast()
	close(h.wake)
	h.mu.Unlock()

	h.events.LogHandleDraining(ctx, h.section, h.index, reason, outstanding)
	h.metrics.RecordHandleDrain(ctx, h.section, reason)
	return true
}

// pollLoop drives completions for the instance until it is drained. It
// sleeps on the condition variable while nobody is bound, so idle hardware
// is never polled.
func (h *Handle) pollLoop(ctx context.Context, cfg loopConfig) {
	defer close(h.exited)

	tracker := newFailureTracker(cfg.policy)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var drainDeadline time.Time
	for {
		h.mu.Lock()
		for !h.done && h.users == 0 && len(h.inflight) == 0 {
			h.cond.Wait()
		}
		draining := h.done
		if draining {
			if len(h.inflight) == 0 {
				h.mu.Unlock()
				return
			}
			if drainDeadline.IsZero() {
				drainDeadline = time.Now().Add(cfg.drainTimeout)
			} else if time.Now().After(drainDeadline) {
				h.mu.Unlock()
				return
			}
		}
		h.mu.Unlock()

		h.polls.Add(1)
		if err := h.binding.Poll(h.inst, cfg.quota); err != nil {
			h.pollFailed(ctx, tracker, err)
		} else {
			tracker.reset()
		}

		var wake <-chan struct{}
		if !draining {
			wake = h.wake
		}
		timer.Reset(cfg.pollDelay())
		select {
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

func (h *Handle) pollFailed(ctx context.Context, tracker *failureTracker, err error) {
	h.pollFailures.Add(1)
	failures, tripped := tracker.record(time.Now())
	h.events.LogPollFailure(ctx, h.section, h.index, failures, err)
	h.metrics.RecordPollFailure(ctx, h.section, h.index, driver.StatusOf(err))

	switch {
	case driver.IsFatal(err):
		h.markDraining(ctx, ReasonFatalStatus)
	case tripped:
		h.markDraining(ctx, ReasonPollFailures)
	}
}

// stop releases the instance after its loop has exited. Operations the
// driver never completed are failed first.
func (h *Handle) stop(ctx context.Context) error {
	<-h.exited
	abandoned := h.abandon()

	err := h.binding.StopInstance(h.inst)
	h.setState(StateStopped)
	h.events.LogHandleStopped(ctx, h.section, h.index, abandoned, err)
	return err
}

// stopUnstarted releases an instance whose loop was never launched.
func (h *Handle) stopUnstarted(ctx context.Context) error {
	close(h.exited)
	return h.stop(ctx)
}
