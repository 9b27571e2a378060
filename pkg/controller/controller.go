// Package controller implements the public Controller façade: the single
// entry point that composes transport, command, status, machine-state,
// streaming, and recovery subsystems into the host-facing API described in
// spec.md §6 (connect/disconnect/send_command/start_stream/pause/resume/
// stop/home/emergency_stop/unlock/snapshot_state/subscribe/set_active_wcs/
// set_wcs_offset/zero_active_wcs).
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cncstream/grblcore/pkg/command"
	"github.com/cncstream/grblcore/pkg/config"
	"github.com/cncstream/grblcore/pkg/events"
	"github.com/cncstream/grblcore/pkg/logging"
	"github.com/cncstream/grblcore/pkg/machinestate"
	"github.com/cncstream/grblcore/pkg/recovery"
	"github.com/cncstream/grblcore/pkg/resilience"
	"github.com/cncstream/grblcore/pkg/status"
	"github.com/cncstream/grblcore/pkg/store"
	"github.com/cncstream/grblcore/pkg/streaming"
	"github.com/cncstream/grblcore/pkg/transport"
)

// ErrNotConnected is returned by any operation that requires an open
// transport when none is attached.
var ErrNotConnected = errors.New("controller: not connected")

// ErrAlreadyConnected is returned by Connect when a transport is already
// attached.
var ErrAlreadyConnected = errors.New("controller: already connected")

// ErrStreamActive is returned by StartStream while a previous session has
// not yet finished.
var ErrStreamActive = errors.New("controller: a stream session is already active")

// Response is the result of a single host-issued send_command call.
type Response struct {
	Outcome command.Outcome
	Code    int
}

// Controller is the public façade: it owns one instance of every subsystem
// for its entire lifetime (spec.md §4 "Lifecycle"), opening and closing only
// the transport's underlying port across connect/disconnect cycles.
type Controller struct {
	cfg   *config.Config
	log   *logging.Logger
	bus   *events.Bus
	store store.Store

	registry *prometheus.Registry

	// openPort opens the named serial port; tests substitute a fake Port
	// here instead of going through the real go.bug.st/serial driver.
	openPort func(portName string, baud int) (transport.Port, error)

	tr       *transport.Transport
	cmdMgr   *command.Manager
	poller   *status.Poller
	state    *machinestate.Manager
	sync     *machinestate.Synchronizer
	recov    *recovery.Manager
	breaker  *resilience.CircuitBreaker
	retry    *resilience.RetryManager
	checkptr *checkpointerProxy
	stopper  *stopperProxy

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	session *Session
}

// New creates a Controller with every subsystem wired but no transport
// attached yet. cfg is validated; a nil store is replaced with an in-memory
// one so the façade always has somewhere to persist checkpoints and WCS
// offsets.
func New(cfg *config.Config, st store.Store, log *logging.Logger) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller: invalid config: %w", err)
	}
	if st == nil {
		st = store.NewMemory()
	}
	if log == nil {
		log = logging.Discard()
	}

	bus := events.NewBus(0)
	state := machinestate.NewManager(bus, log)
	tr := transport.New(log)
	cmdMgr := command.NewManager(tr, cfg.Command.WindowBytes, log)

	checkptr := &checkpointerProxy{}
	stopper := &stopperProxy{}

	sync := machinestate.NewSynchronizer(state, bus, 0, cfg.Streaming.PositionToleranceMM, checkptr, log)
	poller := status.NewPoller(status.Config{
		PollInterval:     cfg.Status.PollInterval,
		FastPollInterval: cfg.Status.FastPollInterval,
		SlowPollInterval: cfg.Status.SlowPollInterval,
		ResponseTimeout:  cfg.Command.ResponseTimeout,
	}, cmdMgr, state, bus, log)
	recov := recovery.NewManager(cmdMgr, stopper, bus, log, 0)

	registry := prometheus.NewRegistry()
	for _, c := range bus.Collectors() {
		registry.MustRegister(c)
	}
	for _, c := range poller.Collectors() {
		registry.MustRegister(c)
	}
	for _, c := range cmdMgr.Collectors() {
		registry.MustRegister(c)
	}

	breaker := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		FailureThreshold: int64(cfg.Resilience.CBThreshold),
		RecoveryTimeout:  cfg.Resilience.CBCooldown,
		SuccessThreshold: 1,
		MaxRequests:      1,
		Timeout:          cfg.Command.ResponseTimeout,
		Name:             "controller-send",
	})
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "grblcore_circuit_breaker_state",
		Help: "Circuit breaker state guarding send_command (0=Closed, 1=HalfOpen, 2=Open).",
	}, func() float64 {
		switch breaker.GetState() {
		case resilience.StateHalfOpen:
			return 1
		case resilience.StateOpen:
			return 2
		default:
			return 0
		}
	}))

	retry := resilience.NewRetryManager(&resilience.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
	}, "transport.connect")

	return &Controller{
		cfg:      cfg,
		log:      log.WithComponent("controller"),
		bus:      bus,
		store:    st,
		registry: registry,
		openPort: transport.Open,
		tr:       tr,
		cmdMgr:   cmdMgr,
		poller:   poller,
		state:    state,
		sync:     sync,
		recov:    recov,
		breaker:  breaker,
		retry:    retry,
		checkptr: checkptr,
		stopper:  stopper,
	}, nil
}

// Registry exposes the controller's prometheus collectors for the host to
// present however it wishes (no HTTP exposition is wired here, per spec.md
// §1's non-goal).
func (c *Controller) Registry() *prometheus.Registry {
	return c.registry
}

// Bus exposes the event bus directly for callers that want more than
// Subscribe's filtered view.
func (c *Controller) Bus() *events.Bus {
	return c.bus
}

// Connect opens portName at the configured baud rate, retrying transient
// open failures per RetryManager, restores WCS offsets from the host store,
// and starts the poller, synchronizer, and inbound frame dispatcher.
func (c *Controller) Connect(ctx context.Context, portName string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	var port transport.Port
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		opened, err := c.openPort(portName, c.cfg.Transport.BaudRate)
		if err != nil {
			return err
		}
		port = opened
		return nil
	})
	if err != nil {
		return fmt.Errorf("controller: connect %s: %w", portName, err)
	}

	if err := c.state.Restore(ctx, c.store); err != nil {
		c.log.WithError(err).Warn("failed to restore WCS offsets, starting from defaults")
	}

	c.tr.Attach(port)

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.connected = true
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.dispatchLoop(runCtx) }()
	go func() { defer c.wg.Done(); c.poller.Run(runCtx) }()
	go func() { defer c.wg.Done(); c.sync.Run(runCtx) }()

	return nil
}

// Disconnect stops the poller/synchronizer/dispatcher, cancels any active
// stream, cancels every in-flight command, and closes the transport.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	cancel := c.cancel
	session := c.session
	c.connected = false
	c.cancel = nil
	c.mu.Unlock()

	if session != nil {
		session.Stop("disconnect")
	}
	if cancel != nil {
		cancel()
	}
	err := c.tr.Disconnect()
	c.cmdMgr.CancelAll("disconnect")
	c.wg.Wait()
	return err
}

// SendCommand queues line through the command manager and blocks for its
// outcome, guarded by a circuit breaker so repeated transport faults fail
// fast instead of piling up waiters (spec.md §4.9/§4.10).
func (c *Controller) SendCommand(ctx context.Context, line string) (Response, error) {
	if !c.isConnected() {
		return Response{}, ErrNotConnected
	}
	c.poller.NotifyCommandIssued()

	var resp Response
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		rec, err := c.cmdMgr.Send(ctx, line, classifyLine(line))
		if err != nil {
			return resilience.NewTransportError(err, "controller")
		}
		res, err := rec.Wait(ctx)
		if err != nil {
			return err
		}
		resp = Response{Outcome: res.Outcome, Code: res.Code}
		switch res.Outcome {
		case command.OutcomeError:
			return &resilience.ControllerSyntaxError{Code: res.Code, Line: line}
		case command.OutcomeTimeout:
			return resilience.ErrWindowStall
		case command.OutcomeCancelled:
			return fmt.Errorf("controller: line %q cancelled: %s", line, res.Reason)
		}
		return nil
	})
	return resp, err
}

// Home issues `$H`.
func (c *Controller) Home(ctx context.Context) error {
	_, err := c.SendCommand(ctx, "$H")
	return err
}

// Unlock issues `$X`.
func (c *Controller) Unlock(ctx context.Context) error {
	_, err := c.SendCommand(ctx, "$X")
	return err
}

// EmergencyStop halts motion immediately with a realtime feed hold, stops
// any active stream, soft-resets the controller, and clears every in-flight
// command — the most disruptive recovery short of a physical power cycle
// (spec.md §4.2's realtime-byte channel).
func (c *Controller) EmergencyStop() error {
	if !c.isConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if err := c.cmdMgr.SendRealtime(transport.RealtimeFeedHold); err != nil {
		return err
	}

	// A running session's own Stop already writes the soft-reset byte and
	// cancels the command manager's pending queue; doing both again here
	// would just double up on wire bytes for no benefit.
	if session != nil {
		session.Stop("emergency_stop")
		return nil
	}

	if err := c.cmdMgr.SendRealtime(transport.RealtimeSoftReset); err != nil {
		return err
	}
	c.cmdMgr.CancelAll("emergency_stop")
	return nil
}

// SnapshotState returns the current MachineState.
func (c *Controller) SnapshotState() machinestate.MachineState {
	return c.state.Snapshot()
}

// Subscribe registers filter on the event bus. Cancel the returned
// Subscription when done.
func (c *Controller) Subscribe(filter events.Filter) *events.Subscription {
	return c.bus.Subscribe(filter)
}

// SetActiveWCS switches the active work coordinate system.
func (c *Controller) SetActiveWCS(name machinestate.WCSName) {
	c.state.SetActiveWCS(name)
}

// SetWCSOffset mutates one WCS's stored offset.
func (c *Controller) SetWCSOffset(name machinestate.WCSName, offset machinestate.Position) {
	c.state.SetWCSOffset(name, offset)
}

// ZeroActiveWCS zeroes the active WCS at the current machine position.
func (c *Controller) ZeroActiveWCS() {
	c.state.ZeroActiveWCS()
}

// PersistWCS saves the current WCS table to the host store.
func (c *Controller) PersistWCS(ctx context.Context) error {
	return c.state.Persist(ctx, c.store)
}

// StartStream begins streaming reader's lines to the controller, returning a
// Session handle with Pause/Resume/Stop (spec.md §6). Only one session may
// be active at a time.
func (c *Controller) StartStream(ctx context.Context, reader *streaming.ChunkedFileReader, opts streaming.Options) (*Session, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil, ErrStreamActive
	}
	engine := streaming.NewEngine(c.cmdMgr, c.state, c.bus, c.store, c.log)
	session := newSession(engine)
	c.session = session
	c.mu.Unlock()

	c.checkptr.setTarget(engine)
	c.stopper.setTarget(engine)
	c.poller.NotifyCommandIssued()

	go func() {
		stats, err := engine.Run(ctx, reader, opts)
		session.finish(stats, err)

		c.mu.Lock()
		if c.session == session {
			c.session = nil
		}
		c.mu.Unlock()
		c.checkptr.setTarget(nil)
		c.stopper.setTarget(nil)
	}()

	return session, nil
}

// ActiveSession returns the in-progress stream session, or nil if none.
func (c *Controller) ActiveSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// classifyLine gives a host-issued ad hoc command a scheduling
// classification for CommandRecord bookkeeping; CommandManager's queue
// itself is FIFO regardless of class (spec.md §3).
func classifyLine(line string) command.Class {
	if len(line) == 0 {
		return command.ClassProgram
	}
	switch line[0] {
	case '$':
		return command.ClassSystem
	case '?':
		return command.ClassStatus
	default:
		return command.ClassMotion
	}
}

// checkpointerProxy lets the long-lived Synchronizer forward checkpoint
// requests to whichever StreamingEngine is currently active, since a
// session-scoped engine does not exist for the Controller's whole lifetime.
type checkpointerProxy struct {
	mu     sync.Mutex
	target machinestate.CheckpointRequester
}

func (p *checkpointerProxy) RequestCheckpoint(reason string) {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target != nil {
		target.RequestCheckpoint(reason)
	}
}

func (p *checkpointerProxy) setTarget(t machinestate.CheckpointRequester) {
	p.mu.Lock()
	p.target = t
	p.mu.Unlock()
}

// stopperProxy gives the long-lived AlarmRecoveryManager the same kind of
// indirection onto the currently active stream session.
type stopperProxy struct {
	mu     sync.Mutex
	target recovery.StreamStopper
}

func (p *stopperProxy) Stop(reason string) {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target != nil {
		target.Stop(reason)
	}
}

func (p *stopperProxy) setTarget(t recovery.StreamStopper) {
	p.mu.Lock()
	p.target = t
	p.mu.Unlock()
}
