package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncstream/grblcore/pkg/config"
	"github.com/cncstream/grblcore/pkg/events"
	"github.com/cncstream/grblcore/pkg/machinestate"
	"github.com/cncstream/grblcore/pkg/resilience"
	"github.com/cncstream/grblcore/pkg/store"
	"github.com/cncstream/grblcore/pkg/streaming"
	"github.com/cncstream/grblcore/pkg/transport"
)

// autoAckPort immediately queues back one "ok\n" for every Write, so
// send_command and a streaming session both resolve without a real
// controller attached.
type autoAckPort struct {
	inbox  chan byte
	closed chan struct{}
}

func newAutoAckPort() *autoAckPort {
	return &autoAckPort{inbox: make(chan byte, 8192), closed: make(chan struct{})}
}

func (p *autoAckPort) Write(b []byte) (int, error) {
	for _, c := range []byte("ok\n") {
		p.inbox <- c
	}
	return len(b), nil
}

func (p *autoAckPort) Read(b []byte) (int, error) {
	select {
	case c := <-p.inbox:
		b[0] = c
		return 1, nil
	case <-p.closed:
		return 0, nil
	}
}

func (p *autoAckPort) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

// scriptedPort captures every line written to it and lets the test push
// arbitrary response bytes back, for exercising error/alarm frames.
type scriptedPort struct {
	mu     sync.Mutex
	writes []string
	inbox  chan byte
	closed chan struct{}
}

func newScriptedPort() *scriptedPort {
	return &scriptedPort{inbox: make(chan byte, 8192), closed: make(chan struct{})}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writes = append(p.writes, string(b))
	p.mu.Unlock()
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	select {
	case c := <-p.inbox:
		b[0] = c
		return 1, nil
	case <-p.closed:
		return 0, nil
	}
}

func (p *scriptedPort) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *scriptedPort) send(s string) {
	for _, c := range []byte(s) {
		p.inbox <- c
	}
}

func (p *scriptedPort) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Command.ResponseTimeout = 2 * time.Second
	cfg.Status.PollInterval = 50 * time.Millisecond
	cfg.Status.FastPollInterval = 20 * time.Millisecond
	cfg.Status.SlowPollInterval = 200 * time.Millisecond
	cfg.Resilience.CBThreshold = 100
	cfg.Resilience.CBCooldown = time.Second
	cfg.Retry.MaxRetries = 0
	return cfg
}

// newTestController builds a Controller wired with an injected port opener
// so Connect never touches a real serial device.
func newTestController(t *testing.T, opener func(portName string, baud int) (transport.Port, error)) *Controller {
	t.Helper()
	c, err := New(testConfig(), store.NewMemory(), nil)
	require.NoError(t, err)
	c.openPort = opener
	return c
}

func connectWithAutoAck(t *testing.T) (*Controller, *autoAckPort) {
	t.Helper()
	port := newAutoAckPort()
	c := newTestController(t, func(string, int) (transport.Port, error) { return port, nil })
	require.NoError(t, c.Connect(context.Background(), "fake0"))
	t.Cleanup(func() { c.Disconnect() })
	return c, port
}

func TestController_ConnectRejectsWhenAlreadyConnected(t *testing.T) {
	c, _ := connectWithAutoAck(t)
	err := c.Connect(context.Background(), "fake0")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestController_DisconnectRejectsWhenNotConnected(t *testing.T) {
	c := newTestController(t, func(string, int) (transport.Port, error) { return newAutoAckPort(), nil })
	err := c.Disconnect()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestController_OperationsRejectWhenNotConnected(t *testing.T) {
	c := newTestController(t, func(string, int) (transport.Port, error) { return newAutoAckPort(), nil })
	_, err := c.SendCommand(context.Background(), "G0 X1")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.EmergencyStop(), ErrNotConnected)
	_, err = c.StartStream(context.Background(), streaming.NewLineReader(nil), streaming.DefaultOptions())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestController_SendCommandResolvesOk(t *testing.T) {
	c, _ := connectWithAutoAck(t)

	resp, err := c.SendCommand(context.Background(), "G0 X1")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Code)
}

func TestController_SendCommandSurfacesError(t *testing.T) {
	port := newScriptedPort()
	c := newTestController(t, func(string, int) (transport.Port, error) { return port, nil })
	require.NoError(t, c.Connect(context.Background(), "fake0"))
	defer c.Disconnect()

	done := make(chan struct{})
	var respErr error
	go func() {
		defer close(done)
		_, respErr = c.SendCommand(context.Background(), "G0 X1")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for port.writeCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, port.writeCount())
	port.send("error:9\n")

	<-done
	require.Error(t, respErr)
	var syntaxErr *resilience.ControllerSyntaxError
	require.ErrorAs(t, respErr, &syntaxErr)
	assert.Equal(t, 9, syntaxErr.Code)
}

func TestController_HomeAndUnlockIssueExpectedLines(t *testing.T) {
	port := newScriptedPort()
	c := newTestController(t, func(string, int) (transport.Port, error) { return port, nil })
	require.NoError(t, c.Connect(context.Background(), "fake0"))
	defer c.Disconnect()

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for port.writeCount() < 1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		port.send("ok\n")
	}()
	require.NoError(t, c.Home(context.Background()))

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for port.writeCount() < 2 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		port.send("ok\n")
	}()
	require.NoError(t, c.Unlock(context.Background()))

	assert.Equal(t, []string{"$H\n", "$X\n"}, port.writes)
}

func TestController_EmergencyStopWritesRealtimeBytesAndCancelsPending(t *testing.T) {
	port := newScriptedPort()
	c := newTestController(t, func(string, int) (transport.Port, error) { return port, nil })
	require.NoError(t, c.Connect(context.Background(), "fake0"))
	defer c.Disconnect()

	rec, err := c.cmdMgr.Send(context.Background(), "G0 X1", classifyLine("G0 X1"))
	require.NoError(t, err)

	require.NoError(t, c.EmergencyStop())

	res, err := rec.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", res.Outcome.String())

	p := port
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.writes, 3) // G0 X1, feed hold, soft reset
	assert.Equal(t, string(transport.RealtimeFeedHold), p.writes[1])
	assert.Equal(t, string(transport.RealtimeSoftReset), p.writes[2])
}

func TestController_SnapshotStateReflectsStatusReports(t *testing.T) {
	port := newScriptedPort()
	c := newTestController(t, func(string, int) (transport.Port, error) { return port, nil })
	require.NoError(t, c.Connect(context.Background(), "fake0"))
	defer c.Disconnect()

	port.send("<Run|MPos:1.000,2.000,3.000|FS:500,0>\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.SnapshotState().Status == machinestate.StatusRun {
			break
		}
		time.Sleep(time.Millisecond)
	}
	snap := c.SnapshotState()
	assert.Equal(t, machinestate.StatusRun, snap.Status)
	assert.Equal(t, 1.0, snap.MachinePosition.X)
}

func TestController_SubscribeReceivesReadyEvent(t *testing.T) {
	port := newScriptedPort()
	c := newTestController(t, func(string, int) (transport.Port, error) { return port, nil })
	sub := c.Subscribe(func(e events.Event) bool { return e.Kind == events.KindReady })
	defer sub.Cancel()

	require.NoError(t, c.Connect(context.Background(), "fake0"))
	defer c.Disconnect()

	port.send("Grbl 1.1h ['$' for help]\n")

	select {
	case e := <-sub.Events():
		payload := e.Payload.(events.ReadyPayload)
		assert.Contains(t, payload.Version, "1.1h")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready event")
	}
}

func TestController_WCSOffsetsPersistAcrossRestore(t *testing.T) {
	st := store.NewMemory()
	port := newAutoAckPort()
	c, err := New(testConfig(), st, nil)
	require.NoError(t, err)
	c.openPort = func(string, int) (transport.Port, error) { return port, nil }
	require.NoError(t, c.Connect(context.Background(), "fake0"))

	c.SetActiveWCS(machinestate.G55)
	c.SetWCSOffset(machinestate.G55, machinestate.Position{X: 10, Y: 20, Z: 30})
	require.NoError(t, c.PersistWCS(context.Background()))
	require.NoError(t, c.Disconnect())

	c2, err := New(testConfig(), st, nil)
	require.NoError(t, err)
	port2 := newAutoAckPort()
	c2.openPort = func(string, int) (transport.Port, error) { return port2, nil }
	require.NoError(t, c2.Connect(context.Background(), "fake0"))
	defer c2.Disconnect()

	snap := c2.SnapshotState()
	assert.Equal(t, 10.0, snap.WCS.Offsets[machinestate.G55].X)
}

func TestController_StartStreamRunsToCompletion(t *testing.T) {
	c, _ := connectWithAutoAck(t)

	reader := streaming.NewLineReader([]string{"G0 X1", "G0 X2", "G0 X3"})
	session, err := c.StartStream(context.Background(), reader, streaming.DefaultOptions())
	require.NoError(t, err)

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream completion")
	}

	stats, err := session.Result()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.LinesSent)
	assert.Equal(t, 3, stats.LinesOK)
	assert.Nil(t, c.ActiveSession())
}

func TestController_StartStreamRejectsWhenSessionActive(t *testing.T) {
	port := newScriptedPort()
	c := newTestController(t, func(string, int) (transport.Port, error) { return port, nil })
	require.NoError(t, c.Connect(context.Background(), "fake0"))
	defer c.Disconnect()

	reader := streaming.NewLineReader([]string{"G0 X1", "G0 X2"})
	session, err := c.StartStream(context.Background(), reader, streaming.DefaultOptions())
	require.NoError(t, err)
	defer session.Stop("test cleanup")

	_, err = c.StartStream(context.Background(), streaming.NewLineReader([]string{"G0 X3"}), streaming.DefaultOptions())
	assert.ErrorIs(t, err, ErrStreamActive)
}

func TestController_StartStreamPauseResumeStop(t *testing.T) {
	c, _ := connectWithAutoAck(t)

	lines := make([]string, 50)
	for i := range lines {
		lines[i] = "G0 X1"
	}
	reader := streaming.NewLineReader(lines)
	session, err := c.StartStream(context.Background(), reader, streaming.DefaultOptions())
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for session.State() != streaming.StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, streaming.StateRunning, session.State())

	session.Pause()
	assert.Equal(t, streaming.StatePaused, session.State())
	session.Resume()

	session.Stop("manual stop")

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream to stop")
	}
	assert.Equal(t, streaming.StateStopped, session.State())
}

func TestController_DisconnectStopsActiveSession(t *testing.T) {
	c, _ := connectWithAutoAck(t)

	lines := make([]string, 50)
	for i := range lines {
		lines[i] = "G0 X1"
	}
	reader := streaming.NewLineReader(lines)
	session, err := c.StartStream(context.Background(), reader, streaming.DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session to finish after disconnect")
	}
}

func TestController_AlarmMidStreamTriggersRecovery(t *testing.T) {
	port := newScriptedPort()
	c := newTestController(t, func(string, int) (transport.Port, error) { return port, nil })
	require.NoError(t, c.Connect(context.Background(), "fake0"))
	defer c.Disconnect()

	sub := c.Subscribe(func(e events.Event) bool { return e.Kind == events.KindRecoveryStarted })
	defer sub.Cancel()

	reader := streaming.NewLineReader([]string{"G0 X1", "G0 X2", "G0 X3"})
	_, err := c.StartStream(context.Background(), reader, streaming.DefaultOptions())
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for port.writeCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	port.send("ALARM:1\n")

	select {
	case e := <-sub.Events():
		payload := e.Payload.(events.RecoveryPayload)
		assert.Equal(t, 1, payload.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recovery to start")
	}
}
