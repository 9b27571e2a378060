package controller

import (
	"context"
	"time"

	"github.com/cncstream/grblcore/pkg/events"
	"github.com/cncstream/grblcore/pkg/machinestate"
	"github.com/cncstream/grblcore/pkg/protocol"
)

// dispatchLoop is the frame dispatcher the spec's components assume exists
// between SerialTransport and everything downstream: it reads complete
// inbound lines, classifies each with protocol.Parse, and routes the result
// to the command manager, state manager, poller, synchronizer, and recovery
// manager (spec.md §4.3).
func (c *Controller) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-c.tr.Lines():
			if !ok {
				return
			}
			c.dispatchFrame(ctx, protocol.Parse(line.Text))
		case <-c.tr.Disconnected():
			return
		}
	}
}

func (c *Controller) dispatchFrame(ctx context.Context, frame protocol.Frame) {
	switch frame.Kind {
	case protocol.FrameOk:
		c.cmdMgr.HandleOk()

	case protocol.FrameError:
		c.cmdMgr.HandleError(frame.Code)

	case protocol.FrameAlarm:
		c.cmdMgr.HandleAlarm(frame.Code)
		go c.recov.HandleAlarm(ctx, frame.Code)

	case protocol.FrameStatusReport:
		c.poller.NotifyStatusReported()
		c.state.ApplyStatus(frame.Status)
		if frame.Status != nil && frame.Status.MachinePos != nil {
			c.sync.ObserveReportedPosition(machinestate.Position{
				X: frame.Status.MachinePos.X,
				Y: frame.Status.MachinePos.Y,
				Z: frame.Status.MachinePos.Z,
			})
		}
		c.bus.Publish(events.Event{
			Kind:      events.KindStatusReport,
			Timestamp: time.Now(),
			Payload:   events.StatusReportPayload{Report: frame.Status},
		})

	case protocol.FrameFeedback:
		if frame.FeedbackTag == "GC" {
			c.state.ApplyModal(frame.FeedbackBody)
		}

	case protocol.FrameWelcome:
		c.bus.Publish(events.Event{
			Kind:      events.KindReady,
			Timestamp: time.Now(),
			Payload:   events.ReadyPayload{Version: frame.Version},
		})
	}
}
