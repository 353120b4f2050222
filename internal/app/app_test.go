package app

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/aanthord/ingest-amqp/internal/config"
	"github.com/aanthord/ingest-amqp/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeAgent blocks until cancelled, then returns stopErr. A non-nil runErr
// is returned straight away instead.
type fakeAgent struct {
	runErr  error
	stopErr error
	started chan struct{}
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{started: make(chan struct{})}
}

func (a *fakeAgent) Run(ctx context.Context) error {
	close(a.started)
	if a.runErr != nil {
		return a.runErr
	}
	<-ctx.Done()
	return a.stopErr
}

func (a *fakeAgent) Ready() bool    { return true }
func (a *fakeAgent) Status() string { return "ready" }

func runAsync(ctx context.Context, agent Agent, port string) <-chan int {
	code := make(chan int, 1)
	go func() { code <- Run(ctx, agent, port, zap.NewNop().Sugar()) }()
	return code
}

func waitCode(t *testing.T, code <-chan int) int {
	t.Helper()
	select {
	case c := <-code:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return -1
	}
}

func TestRun_CancelExitsZero(t *testing.T) {
	agent := newFakeAgent()
	ctx, cancel := context.WithCancel(context.Background())
	code := runAsync(ctx, agent, "")

	<-agent.started
	cancel()

	assert.Equal(t, 0, waitCode(t, code))
}

func TestRun_ShutdownErrorStillExitsZero(t *testing.T) {
	agent := newFakeAgent()
	agent.stopErr = types.E(types.KindShutdown, "close", errors.New("channel already closing"))
	ctx, cancel := context.WithCancel(context.Background())
	code := runAsync(ctx, agent, "")

	<-agent.started
	cancel()

	assert.Equal(t, 0, waitCode(t, code))
}

func TestRun_ConnectionErrorExitsOne(t *testing.T) {
	agent := newFakeAgent()
	agent.runErr = types.E(types.KindConnection, "dial", errors.New("connection refused"))

	code := runAsync(context.Background(), agent, "")

	assert.Equal(t, 1, waitCode(t, code))
}

func TestRun_WithOpsServer(t *testing.T) {
	agent := newFakeAgent()
	ctx, cancel := context.WithCancel(context.Background())
	code := runAsync(ctx, agent, "0")

	<-agent.started
	cancel()

	assert.Equal(t, 0, waitCode(t, code))
}

func TestRun_OpsPortInUseKeepsAgentRunning(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	core, logs := observer.New(zap.InfoLevel)
	agent := newFakeAgent()
	ctx, cancel := context.WithCancel(context.Background())
	code := make(chan int, 1)
	go func() { code <- Run(ctx, agent, port, zap.New(core).Sugar()) }()

	<-agent.started
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Ops server failed, continuing without it").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case c := <-code:
		t.Fatalf("Run returned %d while the agent was still running", c)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.Equal(t, 0, waitCode(t, code))
}

func TestRun_TwoAgentsOnDefaultPort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	first, second := newFakeAgent(), newFakeAgent()
	firstCode := runAsync(ctx, first, port)
	<-first.started
	secondCode := runAsync(ctx, second, port)
	<-second.started

	cancel()
	assert.Equal(t, 0, waitCode(t, firstCode))
	assert.Equal(t, 0, waitCode(t, secondCode))
}

func TestOpsPort(t *testing.T) {
	assert.Equal(t, "3002", OpsPort("", "3002"))
	assert.Equal(t, "3001", OpsPort("3001", "3000"))
	assert.Equal(t, "", OpsPort(PortDisabled, "3000"))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 0, ExitCode(types.E(types.KindShutdown, "close", errors.New("x"))))
	assert.Equal(t, 1, ExitCode(types.E(types.KindConnection, "dial", errors.New("x"))))
	assert.Equal(t, 1, ExitCode(types.E(types.KindPersistence, "open store", errors.New("x"))))
	assert.Equal(t, 1, ExitCode(errors.New("unclassified")))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Desugar().Core().Enabled(zap.DebugLevel))

	logger, err = NewLogger(config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Desugar().Core().Enabled(zap.InfoLevel))

	_, err = NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestRun_LogsFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	agent := newFakeAgent()
	agent.runErr = types.E(types.KindConnection, "consume", errors.New("delivery channel closed"))

	code := Run(context.Background(), agent, "", zap.New(core).Sugar())

	assert.Equal(t, 1, code)
	assert.Equal(t, 1, logs.FilterMessage("Exiting with failure").Len())
}
