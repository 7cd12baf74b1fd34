// Package hypervisor is the run loop that ties the dispatcher, isolation
// manager, lifecycle machines, ports and health monitor together.
//
// All scheduling state is owned by one goroutine. Partition calls, process
// exits and timer expiries are funnelled into it over channels.
package hypervisor

import (
	"context"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"apexhv/internal/hypervisor/clock"
	"apexhv/internal/hypervisor/config"
	"apexhv/internal/hypervisor/health"
	"apexhv/internal/hypervisor/isolation"
	"apexhv/internal/hypervisor/metrics"
	"apexhv/internal/hypervisor/partition"
	"apexhv/internal/hypervisor/port"
	"apexhv/internal/hypervisor/schedule"
	"apexhv/internal/hypervisor/shim"
	"apexhv/pkg/apex"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"

	"go.uber.org/zap"
)

const callBuffer = 64

// Connector creates the call channel of a partition. The first result is the
// hypervisor end; the second is handed to the partition as its call
// descriptor and may be nil when the isolation manager does not need one.
type Connector func(partition string) (io.ReadWriteCloser, *os.File, error)

// DefaultConnector uses a unix socket pair.
func DefaultConnector(partition string) (io.ReadWriteCloser, *os.File, error) {
	parent, child, err := shim.NewPair(partition)
	if err != nil {
		return nil, nil, err
	}
	return parent, child, nil
}

// Options wires the collaborators of a Hypervisor. Model and Isolation are
// required.
type Options struct {
	Model     *config.Model
	Isolation isolation.Manager
	Clock     clock.Clock
	Allocator port.Allocator
	Connector Connector
	Metrics   metrics.Collector
	Sinks     []health.Sink
	BootID    string
}

type partitionState struct {
	desc    config.PartitionDescriptor
	machine *partition.Machine
	ctx     context.Context

	handle    isolation.Handle
	conn      *shim.Conn
	startedAt time.Duration

	inWindow     bool
	frame        uint64
	deadline     time.Duration
	overrunFrame uint64
	overrun      bool

	parked *parkedCall

	// readerFDs maps sampling destination ports to the descriptor number of
	// their read-only region inside the current incarnation.
	readerFDs map[string]int
}

func (p *partitionState) spawned() bool {
	return p.handle.Valid()
}

// Hypervisor runs a configured module.
type Hypervisor struct {
	model      *config.Model
	iso        isolation.Manager
	clock      clock.Clock
	connect    Connector
	metrics    metrics.Collector
	registry   *port.Registry
	dispatcher *schedule.Dispatcher
	monitor    *health.Monitor
	bootID     string

	parts []*partitionState
	byID  map[string]*partitionState
	calls chan shim.Call
	waits waitQueue

	mu       sync.RWMutex
	cursor   schedule.Cursor
	shutdown string
	stopping bool
}

// New validates the model and allocates every channel. No partition is
// started until Run.
func New(opts Options) (*Hypervisor, error) {
	if opts.Model == nil {
		return nil, apperrors.New(apperrors.ConfigInvalid).WithMessage("configuration model is required")
	}
	if opts.Isolation == nil {
		return nil, apperrors.New(apperrors.InvalidParams).WithMessage("isolation manager is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewMonotonic()
	}
	if opts.Allocator == nil {
		opts.Allocator = port.SharedAllocator
	}
	if opts.Connector == nil {
		opts.Connector = DefaultConnector
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}

	dispatcher, err := schedule.NewDispatcher(opts.Model.Schedule)
	if err != nil {
		return nil, err
	}
	h := &Hypervisor{
		model:      opts.Model,
		iso:        opts.Isolation,
		clock:      opts.Clock,
		connect:    opts.Connector,
		metrics:    opts.Metrics,
		registry:   port.NewRegistry(opts.Clock, opts.Allocator),
		dispatcher: dispatcher,
		bootID:     opts.BootID,
		byID:       make(map[string]*partitionState),
		calls:      make(chan shim.Call, callBuffer),
	}

	for _, spec := range opts.Model.Channels {
		if _, err := h.registry.Declare(spec); err != nil {
			_ = h.registry.Close()
			return nil, err
		}
	}

	policies := make(map[string]health.Policy, len(opts.Model.Partitions))
	for _, desc := range opts.Model.Partitions {
		ps := &partitionState{desc: desc}
		ps.machine = partition.NewMachine(desc.Name, h.observeTransition)
		h.parts = append(h.parts, ps)
		h.byID[desc.Name] = ps
		policies[desc.Name] = desc.Policy
	}
	h.monitor = health.NewMonitor(h, policies, health.Options{
		ViolationThreshold: opts.Model.ViolationThreshold,
		Metrics:            opts.Metrics,
		Sinks:              opts.Sinks,
	})
	return h, nil
}

// Monitor exposes the health monitor for fault queries.
func (h *Hypervisor) Monitor() *health.Monitor {
	return h.monitor
}

// Registry exposes the port registry.
func (h *Hypervisor) Registry() *port.Registry {
	return h.registry
}

// Run starts every partition and drives the schedule until ctx is cancelled
// or the health monitor shuts the module down. A cancelled context is a
// graceful stop and returns nil.
func (h *Hypervisor) Run(ctx context.Context) error {
	if h.bootID != "" {
		ctx = logger.WithBootID(ctx, h.bootID)
	}
	if err := h.start(ctx); err != nil {
		h.teardown(ctx)
		return err
	}
	defer h.teardown(ctx)

	logger.Info(ctx, "hypervisor running",
		zap.Duration("major_frame", h.dispatcher.MajorFrame()),
		zap.Int("partitions", len(h.parts)),
		zap.Int("windows", len(h.dispatcher.Windows())),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		h.step(ctx, h.clock.Now())
		if reason := h.shutdownReason(); reason != "" {
			return apperrors.Newf(apperrors.ModuleShutdown, "module shutdown: %s", reason)
		}

		wait := h.nextWake() - h.clock.Now()
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			logger.Info(ctx, "hypervisor stopping", zap.Error(ctx.Err()))
			return nil
		case ev := <-h.iso.Exits():
			h.handleExit(ctx, ev)
		case call := <-h.calls:
			h.handleCall(ctx, call)
		case <-timer.C:
		}
	}
}

// start spawns every partition. A partition that cannot be created is
// reported to the health monitor; the module only fails when none start or
// privileges are missing.
func (h *Hypervisor) start(ctx context.Context) error {
	started := 0
	for _, ps := range h.parts {
		ps.ctx = logger.WithPartition(ctx, ps.desc.Name)
		err := h.spawn(ctx, ps)
		if err == nil {
			started++
			continue
		}
		if apperrors.Is(err, apperrors.InsufficientPrivilege) {
			return err
		}
		logger.Error(ps.ctx, "partition creation failed", zap.Error(err))
		ps.machine.Stop()
		h.monitor.Report(ctx, health.Fault{
			Partition: ps.desc.Name,
			Kind:      health.PartitionInit,
			Detail:    err.Error(),
			At:        h.clock.Now(),
		})
	}
	if started == 0 && len(h.parts) > 0 {
		return apperrors.New(apperrors.IsolationFailed).WithMessage("no partition could be started")
	}
	return nil
}

// spawn creates a fresh execution context for ps, frozen, with its call
// channel served.
func (h *Hypervisor) spawn(ctx context.Context, ps *partitionState) error {
	if ps.ctx == nil {
		ps.ctx = logger.WithPartition(ctx, ps.desc.Name)
	}
	hvEnd, childEnd, err := h.connect(ps.desc.Name)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.IsolationFailed, "create call channel for %s", ps.desc.Name)
	}
	var env []string
	if h.bootID != "" {
		env = append(env, "APEXHV_BOOT_ID="+h.bootID)
	}
	readers := h.readerFiles(ps, childEnd)
	handle, err := h.iso.Spawn(ctx, isolation.SpawnRequest{
		Descriptor: ps.desc,
		CallFile:   childEnd,
		Files:      readerFileList(readers),
		Env:        env,
	})
	for _, rf := range readers {
		_ = rf.File.Close()
	}
	if err != nil {
		_ = hvEnd.Close()
		if childEnd != nil {
			_ = childEnd.Close()
		}
		return err
	}

	ps.readerFDs = make(map[string]int, len(readers))
	for i, rf := range readers {
		ps.readerFDs[rf.Port] = apex.CallFD + 1 + i
	}

	h.mu.Lock()
	ps.handle = handle
	ps.startedAt = h.clock.Now()
	ps.inWindow = false
	h.mu.Unlock()
	ps.conn = shim.Serve(ctx, ps.desc.Name, handle.Generation, hvEnd, h.calls)

	if ps.machine.Mode() == partition.NotCreated {
		if err := ps.machine.Spawned(); err != nil {
			return err
		}
	}
	return nil
}

// readerFiles opens the sampling regions ps reads from so they can be mapped
// inside the partition. Sharing needs a real call socket and a clock the
// partition can rebuild; otherwise reads stay on the call path.
func (h *Hypervisor) readerFiles(ps *partitionState, childEnd *os.File) []port.ReaderFile {
	if childEnd == nil {
		return nil
	}
	if _, ok := h.clock.(clock.Shared); !ok {
		return nil
	}
	files, err := h.registry.ReaderFiles(ps.desc.Name)
	if err != nil {
		logger.Warn(ps.ctx, "sampling regions not shared, reads use calls", zap.Error(err))
		return nil
	}
	return files
}

func readerFileList(readers []port.ReaderFile) []*os.File {
	if len(readers) == 0 {
		return nil
	}
	out := make([]*os.File, len(readers))
	for i, rf := range readers {
		out[i] = rf.File
	}
	return out
}

// release tears down the execution context of ps and drops everything tied
// to it: call channel, parked call and opened ports.
func (h *Hypervisor) release(ctx context.Context, ps *partitionState) error {
	var err error
	if ps.spawned() {
		if kerr := h.iso.Kill(ctx, ps.handle); kerr != nil && !apperrors.Is(kerr, apperrors.HandleInvalid) {
			err = kerr
		}
	}
	if ps.conn != nil {
		_ = ps.conn.Close()
		ps.conn = nil
	}
	h.unpark(ps)
	h.registry.Release(ps.desc.Name)

	h.mu.Lock()
	ps.handle = isolation.Handle{}
	ps.inWindow = false
	h.mu.Unlock()
	return err
}

func (h *Hypervisor) teardown(ctx context.Context) {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	// Kill and Close must finish even when ctx is already cancelled.
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, ps := range h.parts {
		if err := h.release(killCtx, ps); err != nil {
			logger.Warn(ps.ctx, "kill partition failed", zap.Error(err))
		}
	}
	if err := h.iso.Close(killCtx); err != nil {
		logger.Warn(ctx, "close isolation manager failed", zap.Error(err))
	}
	if err := h.registry.Close(); err != nil {
		logger.Warn(ctx, "release channel memory failed", zap.Error(err))
	}
}

// handleExit turns an unexpected process exit into a health fault.
func (h *Hypervisor) handleExit(ctx context.Context, ev isolation.ExitEvent) {
	ps, ok := h.byID[ev.Partition]
	if !ok || ps.handle != ev.Handle {
		return
	}
	if ps.conn != nil {
		_ = ps.conn.Close()
		ps.conn = nil
	}
	h.unpark(ps)
	h.mu.Lock()
	ps.inWindow = false
	h.mu.Unlock()

	kind := health.UnexpectedExit
	detail := "exit code " + strconv.Itoa(ev.ExitCode)
	if ev.Signaled {
		kind = health.SignalTermination
		detail = "signal " + ev.Signal
	}
	if ev.Err != nil {
		detail += ": " + ev.Err.Error()
	}
	cursor := h.dispatcher.Cursor()
	h.monitor.Report(ctx, health.Fault{
		Partition: ps.desc.Name,
		Kind:      kind,
		Detail:    detail,
		At:        h.clock.Now(),
		Frame:     cursor.Frame,
	})
}

func (h *Hypervisor) observeTransition(name string, tr partition.Transition) {
	ctx := context.Background()
	if ps, ok := h.byID[name]; ok && ps.ctx != nil {
		ctx = ps.ctx
	}
	logger.Info(ctx, "partition mode changed",
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
	)
	h.metrics.PartitionTransition(name, tr.From.String(), tr.To.String(), int(tr.To))
}

func (h *Hypervisor) shutdownReason() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.shutdown
}

// IsModuleShutdown reports whether err ended Run because of a module shutdown.
func IsModuleShutdown(err error) bool {
	return err != nil && apperrors.Is(err, apperrors.ModuleShutdown)
}
