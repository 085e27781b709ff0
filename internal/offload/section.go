package offload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// SectionConfig configures a group of accelerator instances.
type SectionConfig struct {
	Name string
	// PollDelay is the pause between polls of an instance with users. Zero
	// polls continuously.
	PollDelay time.Duration
	// PollQuota caps the completions dispatched per poll; zero means all.
	PollQuota         uint32
	DrainTimeout      time.Duration
	CompletionTimeout time.Duration
	FailurePolicy     *FailurePolicy
}

const (
	defaultSectionName       = "default"
	defaultDrainTimeout      = 5 * time.Second
	defaultCompletionTimeout = 5 * time.Second
)

// Section owns every instance the driver exposes, one Handle and one
// polling loop per instance.
type Section struct {
	name              string
	manager           *Manager
	handles           []*Handle
	pollDelay         atomic.Int64
	completionTimeout time.Duration

	mu   sync.Mutex
	next int

	wg        sync.WaitGroup
	drainOnce sync.Once
	loopsDone chan struct{}
	stopOnce  sync.Once
	stopErr   error
}

// StartSection enumerates the instances and brings every one of them up.
// If any instance fails to initialize, the ones already started are stopped
// and a HardwareInitError is returned; no polling loop is left running.
func (m *Manager) StartSection(ctx context.Context, cfg SectionConfig) (*Section, error) {
	if cfg.Name == "" {
		cfg.Name = defaultSectionName
	}
	if cfg.PollDelay < 0 {
		cfg.PollDelay = 0
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}
	policy := DefaultFailurePolicy
	if cfg.FailurePolicy != nil {
		policy = *cfg.FailurePolicy
	}

	s := &Section{
		name:              cfg.Name,
		manager:           m,
		completionTimeout: cfg.CompletionTimeout,
		loopsDone:         make(chan struct{}),
	}
	s.pollDelay.Store(int64(cfg.PollDelay))

	if err := m.registerSection(s); err != nil {
		return nil, err
	}

	insts, err := m.binding.Instances()
	if err != nil {
		m.unregisterSection(s)
		return nil, NewHardwareInitError("get_instances", -1, err).WithContext("section", s.name)
	}
	if len(insts) == 0 {
		m.unregisterSection(s)
		return nil, NewHardwareInitError("get_instances", -1, errors.New("driver reported no instances")).
			WithContext("section", s.name)
	}

	for i, inst := range insts {
		h := newHandle(i, s.name, inst, m.binding, m.events, m.metrics)
		if err := h.init(ctx); err != nil {
			for _, started := range s.handles {
				if stopErr := started.stopUnstarted(ctx); stopErr != nil {
					m.events.Logger().Error("Failed to stop instance during startup unwind",
						"section", s.name, "instance", started.index, "error", stopErr)
				}
			}
			m.unregisterSection(s)
			return nil, err
		}
		s.handles = append(s.handles, h)
	}

	lc := loopConfig{
		pollDelay:    s.PollDelay,
		quota:        cfg.PollQuota,
		policy:       policy,
		drainTimeout: cfg.DrainTimeout,
	}
	loopCtx := context.WithoutCancel(ctx)
	for _, h := range s.handles {
		s.wg.Add(1)
		go func(h *Handle) {
			defer s.wg.Done()
			h.pollLoop(loopCtx, lc)
		}(h)
	}

	m.events.Logger().Info("Offload section started",
		"section", s.name,
		"instances", len(s.handles),
		"poll_delay", cfg.PollDelay)
	return s, nil
}

// Name returns the section name.
func (s *Section) Name() string { return s.name }

// Handles returns the section's handles in instance order.
func (s *Section) Handles() []*Handle {
	out := make([]*Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// PollDelay is the pause between polls of a busy instance.
func (s *Section) PollDelay() time.Duration {
	return time.Duration(s.pollDelay.Load())
}

// SetPollDelay changes the poll delay; running loops pick it up on their
// next iteration.
func (s *Section) SetPollDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.pollDelay.Store(int64(d))
}

// SelectHandle returns the next non-draining handle in round-robin order.
func (s *Section) SelectHandle() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.handles)
	for i := 0; i < n; i++ {
		h := s.handles[s.next]
		s.next = (s.next + 1) % n
		if !h.Draining() {
			return h, nil
		}
	}
	return nil, NewNoHardwareError(s.name, n)
}

// Stats returns a snapshot of every handle.
func (s *Section) Stats() []HandleStats {
	stats := make([]HandleStats, 0, len(s.handles))
	for _, h := range s.handles {
		stats = append(stats, h.Stats())
	}
	return stats
}

// Drain marks every handle draining, waits for the polling loops to exit
// and stops the instances. It returns ctx.Err() if ctx ends before the
// loops have exited; calling Drain again resumes the wait.
func (s *Section) Drain(ctx context.Context) error {
	s.drainOnce.Do(func() {
		for _, h := range s.handles {
			h.markDraining(ctx, ReasonSectionDrain)
		}
		go func() {
			s.wg.Wait()
			close(s.loopsDone)
		}()
	})

	select {
	case <-s.loopsDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.stopOnce.Do(func() {
		var errs []error
		for _, h := range s.handles {
			if err := h.stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.stopErr = errors.Join(errs...)
		s.manager.unregisterSection(s)
		s.manager.events.Logger().Info("Offload section drained", "section", s.name)
	})
	return s.stopErr
}
