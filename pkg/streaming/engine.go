package streaming

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cncstream/grblcore/pkg/command"
	"github.com/cncstream/grblcore/pkg/events"
	"github.com/cncstream/grblcore/pkg/logging"
	"github.com/cncstream/grblcore/pkg/machinestate"
	"github.com/cncstream/grblcore/pkg/store"
	"github.com/cncstream/grblcore/pkg/transport"
)

// Sender is the narrow command.Manager surface the engine needs, so
// tests can substitute a fake: queued sends for program/system lines, the
// realtime byte writer for pause/resume/stop, and CancelAll to drain the
// pending window when a run stops (spec.md §4.7).
type Sender interface {
	Send(ctx context.Context, line string, class command.Class) (*command.Record, error)
	SendRealtime(b byte) error
	CancelAll(reason string)
}

// Engine is the StreamingEngine. A single sequential feeder goroutine
// submits lines in program order — preserving the transport's write
// ordering guarantee — while a separate completion goroutine waits on
// each submitted record's outcome in the same order, since
// command.Manager always resolves its oldest pending record first
// (spec.md §5). The two goroutines are coupled by a channel sized to
// LookAheadLines, which doubles as the line-count cap on the look-ahead
// window: command.Manager.Send's own blocking already enforces the
// byte-count cap.
type Engine struct {
	log    *logging.Logger
	bus    *events.Bus
	sender Sender
	state  *machinestate.Manager
	store  store.Store

	mu                  sync.Mutex
	runState            State
	opts                Options
	resumeCh            chan struct{}
	cancel              context.CancelFunc
	stats               Stats
	checkpointRequested atomic.Bool
	checkpointReason    atomic.Value // string
}

// NewEngine creates an idle Engine. store may be nil, in which case
// checkpointing is skipped.
func NewEngine(sender Sender, state *machinestate.Manager, bus *events.Bus, st store.Store, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{
		log:    log.WithComponent("streaming"),
		bus:    bus,
		sender: sender,
		state:  state,
		store:  st,
	}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runState
}

// Stats returns a copy of the run's current statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// RequestCheckpoint marks that a checkpoint should be written at the next
// line boundary, satisfying machinestate.CheckpointRequester so a
// StateSynchronizer can force one after a position discrepancy (spec.md
// §4.6).
func (e *Engine) RequestCheckpoint(reason string) {
	e.checkpointReason.Store(reason)
	e.checkpointRequested.Store(true)
}

// Run streams every line from reader to completion, respecting
// opts.StartLine for resume. It blocks until the stream completes, is
// stopped, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, reader *ChunkedFileReader, opts Options) (Stats, error) {
	e.mu.Lock()
	if e.runState == StateRunning || e.runState == StatePaused {
		e.mu.Unlock()
		return Stats{}, fmt.Errorf("streaming: engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.opts = opts
	e.runState = StateRunning
	e.resumeCh = make(chan struct{})
	total, _ := reader.TotalLines()
	e.stats = Stats{LinesTotal: total, StartedAt: time.Now()}
	e.mu.Unlock()

	if opts.StartLine > 0 {
		if err := reader.SeekLine(opts.StartLine); err != nil {
			return Stats{}, fmt.Errorf("streaming: seek to resume line: %w", err)
		}
		if err := e.sendResumePreamble(ctx, opts.DryRun); err != nil {
			return Stats{}, fmt.Errorf("streaming: resume preamble: %w", err)
		}
	}

	lookAhead := opts.LookAheadLines
	if lookAhead <= 0 {
		lookAhead = DefaultOptions().LookAheadLines
	}
	inflight := make(chan feedItem, lookAhead)

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return e.feed(groupCtx, reader, inflight) })
	group.Go(func() error { return e.drain(groupCtx, inflight) })

	runErr := group.Wait()

	e.mu.Lock()
	e.stats.FinishedAt = time.Now()
	if e.runState != StateStopped {
		e.runState = StateCompleted
	}
	final := e.stats
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Kind:      events.KindStreamStopped,
			Timestamp: time.Now(),
			Payload:   events.StreamStoppedPayload{Reason: final.StopReason},
		})
	}

	if runErr != nil && runErr != context.Canceled {
		return final, runErr
	}
	return final, nil
}

// Pause transitions a running engine to Paused, writes the realtime
// feed-hold byte so the controller halts motion immediately, and blocks
// the feeder before its next line submission (spec.md §4.7: "pause():
// writes the realtime feed-hold byte `!`").
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.runState != StateRunning {
		e.mu.Unlock()
		return
	}
	e.runState = StatePaused
	dryRun := e.opts.DryRun
	e.mu.Unlock()

	if dryRun {
		return
	}
	if err := e.sender.SendRealtime(transport.RealtimeFeedHold); err != nil {
		e.log.WithError(err).Warn("failed to send feed hold on pause")
	}
}

// Resume transitions a paused engine back to Running, writes the realtime
// cycle-start byte, and releases the feeder (spec.md §4.7: "resume():
// writes the realtime cycle-start byte `~`").
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.runState != StatePaused {
		e.mu.Unlock()
		return
	}
	e.runState = StateRunning
	close(e.resumeCh)
	e.resumeCh = make(chan struct{})
	dryRun := e.opts.DryRun
	e.mu.Unlock()

	if dryRun {
		return
	}
	if err := e.sender.SendRealtime(transport.RealtimeCycleStart); err != nil {
		e.log.WithError(err).Warn("failed to send cycle start on resume")
	}
}

// Stop cancels the run, writes the realtime soft-reset byte, and drains
// the command manager's pending window so no future is left dangling
// (spec.md §4.7: "stop(reason): writes soft-reset 0x18; drains
// CommandManager"). Run returns once both goroutines unwind.
func (e *Engine) Stop(reason string) {
	e.mu.Lock()
	if e.runState == StateIdle || e.runState == StateStopped || e.runState == StateCompleted {
		e.mu.Unlock()
		return
	}
	e.runState = StateStopping
	e.stats.StopReason = reason
	cancel := e.cancel
	paused := e.resumeCh
	dryRun := e.opts.DryRun
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Unblock a paused feeder so it observes the cancellation instead of
	// waiting indefinitely for a Resume that will never come.
	select {
	case <-paused:
	default:
		close(paused)
	}

	if !dryRun {
		if err := e.sender.SendRealtime(transport.RealtimeSoftReset); err != nil {
			e.log.WithError(err).Warn("failed to send soft reset on stop")
		}
		e.sender.CancelAll(reason)
	}

	e.mu.Lock()
	e.runState = StateStopped
	e.mu.Unlock()
}

type feedItem struct {
	index  int
	line   string
	record *command.Record
	skip   bool
}

func (e *Engine) feed(ctx context.Context, reader *ChunkedFileReader, out chan<- feedItem) error {
	defer close(out)

	for {
		if err := e.awaitResumed(ctx); err != nil {
			return err
		}

		line, index, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if IsBlankOrComment(line) {
			select {
			case out <- feedItem{index: index, line: line, skip: true}:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		var rec *command.Record
		if !e.opts.DryRun {
			rec, err = e.sender.Send(ctx, line, command.ClassProgram)
			if err != nil {
				return fmt.Errorf("streaming: send line %d: %w", index, err)
			}
		}

		select {
		case out <- feedItem{index: index, line: line, record: rec}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) awaitResumed(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.runState != StatePaused {
			e.mu.Unlock()
			return nil
		}
		ch := e.resumeCh
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) drain(ctx context.Context, in <-chan feedItem) error {
	for item := range in {
		if item.skip {
			e.mu.Lock()
			e.stats.LinesSkipped++
			e.mu.Unlock()
			continue
		}

		var res command.Result
		if e.opts.DryRun {
			res = command.Result{Outcome: command.OutcomeOk}
		} else {
			timeout := e.opts.ResponseTimeout
			if timeout <= 0 {
				timeout = DefaultOptions().ResponseTimeout
			}
			waitCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
			var err error
			res, err = item.record.Wait(waitCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("streaming: await line %d: %w", item.index, err)
			}
		}

		if e.state != nil && res.Outcome == command.OutcomeOk {
			e.state.ApplyAcknowledgedLine(item.line)
		}

		e.mu.Lock()
		e.stats.LinesSent++
		switch res.Outcome {
		case command.OutcomeOk:
			e.stats.LinesOK++
		case command.OutcomeError:
			e.stats.LinesErrored++
		}
		strategy := e.opts.ErrorStrategy
		e.mu.Unlock()

		if e.bus != nil {
			e.bus.Publish(events.Event{
				Kind:      events.KindStreamProgress,
				Timestamp: time.Now(),
				Payload:   events.StreamProgressPayload{LineIndex: item.index, TotalLines: e.Stats().LinesTotal, Line: item.line},
			})
		}

		if res.Outcome == command.OutcomeError {
			if e.bus != nil {
				e.bus.Publish(events.Event{
					Kind:      events.KindCommandError,
					Timestamp: time.Now(),
					Payload:   events.CommandErrorPayload{Line: item.index, Code: res.Code},
				})
			}
			switch strategy {
			case ErrorStrategyStop:
				e.Stop(fmt.Sprintf("line %d error %d", item.index, res.Code))
				return fmt.Errorf("streaming: line %d: controller error %d", item.index, res.Code)
			case ErrorStrategyPrompt:
				e.Pause()
			case ErrorStrategyContinue:
				// fall through and keep draining
			}
		}

		e.maybeCheckpoint(ctx, item.index)
	}
	return nil
}

// sendResumePreamble replays the canonicalizing preamble (units, distance
// mode, plane, active WCS, spindle, feed) derived from the most recent
// checkpoint's modal state, so the controller's mode matches what the
// program expects before feeding resumes mid-file (spec.md §4.7: "resume
// from checkpoint ... replay modal state by sending a canonicalizing
// preamble"). A no-op if there is no store or no checkpoint yet.
func (e *Engine) sendResumePreamble(ctx context.Context, dryRun bool) error {
	if e.store == nil || dryRun {
		return nil
	}
	cp, found, err := e.store.LatestCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if !found {
		return nil
	}

	for _, line := range buildResumePreamble(cp) {
		rec, err := e.sender.Send(ctx, line, command.ClassSystem)
		if err != nil {
			return fmt.Errorf("send %q: %w", line, err)
		}
		if _, err := rec.Wait(ctx); err != nil {
			return fmt.Errorf("await %q: %w", line, err)
		}
	}
	return nil
}

// buildResumePreamble renders a checkpoint's modal state into the ordered
// G-code lines a controller needs re-issued after a reset or reconnect:
// units, distance mode, plane, active WCS, spindle (with speed), feed.
func buildResumePreamble(cp store.Checkpoint) []string {
	modal := cp.Modal
	var lines []string
	if modal.Units != "" {
		lines = append(lines, modal.Units)
	}
	if modal.DistanceMode != "" {
		lines = append(lines, modal.DistanceMode)
	}
	if modal.Plane != "" {
		lines = append(lines, modal.Plane)
	}
	if cp.ActiveWCS != "" {
		lines = append(lines, string(cp.ActiveWCS))
	}
	if modal.Spindle != "" {
		if (modal.Spindle == "M3" || modal.Spindle == "M4") && cp.SpindleSpeed > 0 {
			lines = append(lines, fmt.Sprintf("%s S%.0f", modal.Spindle, cp.SpindleSpeed))
		} else {
			lines = append(lines, modal.Spindle)
		}
	}
	if cp.FeedRate > 0 {
		lines = append(lines, fmt.Sprintf("F%.4g", cp.FeedRate))
	}
	return lines
}

func (e *Engine) maybeCheckpoint(ctx context.Context, lineIndex int) {
	if e.store == nil {
		return
	}

	interval := e.opts.CheckpointIntervalLines
	if interval <= 0 {
		interval = DefaultOptions().CheckpointIntervalLines
	}

	due := lineIndex > 0 && lineIndex%interval == 0
	requested := e.checkpointRequested.Load()
	if !due && !requested {
		return
	}
	e.checkpointRequested.Store(false)

	reason := "interval"
	if requested {
		if r, ok := e.checkpointReason.Load().(string); ok && r != "" {
			reason = r
		}
	}

	snap := e.state.Snapshot()
	cp := store.Checkpoint{
		LineIndex:    lineIndex,
		Position:     snap.MachinePosition,
		Modal:        snap.Modal,
		ActiveWCS:    snap.WCS.Active,
		FeedRate:     snap.FeedRate,
		SpindleSpeed: snap.SpindleSpeed,
		Timestamp:    time.Now(),
	}
	if err := e.store.AppendCheckpoint(ctx, cp); err != nil {
		e.log.WithError(err).WithField("reason", reason).Warn("failed to persist checkpoint")
	}
}
