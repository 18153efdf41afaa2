package core

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/jarvis-core/internal/budget"
	"github.com/stellarlinkco/jarvis-core/internal/bus"
	"github.com/stellarlinkco/jarvis-core/internal/config"
	"github.com/stellarlinkco/jarvis-core/internal/llmrouter"
	"github.com/stellarlinkco/jarvis-core/internal/planner"
	"github.com/stellarlinkco/jarvis-core/internal/state"
	"github.com/stellarlinkco/jarvis-core/internal/tools"
)

// scriptedRouter returns a fixed response every time Complete is called,
// recording the messages it was given for assertions.
type scriptedRouter struct {
	response llmrouter.Response
	err      error
	calls    int
	lastMsgs []llmrouter.Message
}

func (r *scriptedRouter) Complete(ctx context.Context, messages []llmrouter.Message, opts llmrouter.CompletionOptions) (llmrouter.Response, error) {
	r.calls++
	r.lastMsgs = messages
	if r.err != nil {
		return llmrouter.Response{}, r.err
	}
	return r.response, nil
}

// echoTool is a minimal tool the scripted plans can invoke.
type echoTool struct{}

func (echoTool) Name() string { return "code_exec" }
func (echoTool) Schema() tools.Schema {
	return tools.Schema{Name: "code_exec", TimeoutSeconds: 5}
}
func (echoTool) Execute(ctx context.Context, params map[string]any) tools.Result {
	return tools.Result{Success: true, Output: "echoed"}
}

func planResponse(t *testing.T, p planner.Plan) llmrouter.Response {
	t.Helper()
	body, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	return llmrouter.Response{Content: string(body), Model: "test-model", Provider: "test-provider", InputTokens: 10, OutputTokens: 5}
}

func newTestLoop(t *testing.T, router planner.Router) (*Loop, *state.Store, *budget.Tracker) {
	t.Helper()
	dir := t.TempDir()

	st, err := state.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bt, err := budget.Open(filepath.Join(dir, "budget.db"), 50.0, []budget.ProviderSeed{
		{Name: "test-provider", Tier: "paid", Currency: "usd"},
	})
	if err != nil {
		t.Fatalf("budget.Open: %v", err)
	}
	t.Cleanup(func() { bt.Close() })

	pl := planner.New(router, nil, nil, zerolog.Nop())

	reg := tools.NewRegistry(nil, nil, zerolog.Nop())
	reg.Register(echoTool{})

	b := bus.NewMessageBus(10)

	deps := Deps{
		Store:   st,
		Budget:  bt,
		Planner: pl,
		Tools:   reg,
		Bus:     b,
		Log:     zerolog.Nop(),
	}
	loop := New(deps, config.CoreLoopConfig{MinSleepSeconds: 5, MaxSleepSeconds: 300}, nil, nil)
	return loop, st, bt
}

func TestIterate_ExecutesActionsAndAdvancesIteration(t *testing.T) {
	router := &scriptedRouter{response: planResponse(t, planner.Plan{
		StatusMessage: "working",
		Actions: []planner.Action{
			{Tool: "code_exec", Parameters: map[string]any{"code": "print(1)"}},
		},
	})}
	loop, st, _ := newTestLoop(t, router)

	sleep, err := loop.iterate(context.Background())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if sleep <= 0 {
		t.Errorf("sleep = %v, want > 0", sleep)
	}
	if router.calls != 1 {
		t.Errorf("router calls = %d, want 1", router.calls)
	}

	snap, err := st.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", snap.Iteration)
	}

	if len(loop.lastResults) != 1 {
		t.Fatalf("lastResults = %+v, want 1 entry", loop.lastResults)
	}
}

func TestIterate_PausedSkipsPlanning(t *testing.T) {
	router := &scriptedRouter{response: planResponse(t, planner.Plan{})}
	loop, st, _ := newTestLoop(t, router)
	if err := st.SetPaused(true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}

	sleep, err := loop.iterate(context.Background())
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if sleep != float64(loop.cfg.MaxSleepSeconds) {
		t.Errorf("sleep = %v, want %v", sleep, loop.cfg.MaxSleepSeconds)
	}
	if router.calls != 0 {
		t.Errorf("router calls = %d, want 0 while paused", router.calls)
	}
}

func TestEnqueueChat_DeliversReplyFromNextIteration(t *testing.T) {
	router := &scriptedRouter{response: planResponse(t, planner.Plan{
		ChatReply: "hello creator",
	})}
	loop, _, _ := newTestLoop(t, router)

	replyCh := make(chan ChatReply, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := loop.EnqueueChat(context.Background(), "hi", "http")
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- reply
	}()

	// Give the goroutine a moment to enqueue before we manually drain and
	// iterate, mirroring the loop's Run without needing a real ticking
	// goroutine in the test.
	time.Sleep(20 * time.Millisecond)

	if _, err := loop.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	select {
	case reply := <-replyCh:
		if reply.Text != "hello creator" {
			t.Errorf("reply = %q, want %q", reply.Text, "hello creator")
		}
	case err := <-errCh:
		t.Fatalf("EnqueueChat error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chat reply")
	}
}

func TestDrainBusInbound_ConvertsMessages(t *testing.T) {
	loop, _, _ := newTestLoop(t, &scriptedRouter{})
	loop.deps.Bus.Publish(bus.InboundMessage{Channel: "telegram", ChatID: "123", Content: "ping"})

	reqs := loop.drainBusInbound()
	if len(reqs) != 1 {
		t.Fatalf("len(reqs) = %d, want 1", len(reqs))
	}
	if reqs[0].Message != "ping" || reqs[0].Channel != "telegram" || reqs[0].ChatID != "123" {
		t.Errorf("unexpected request: %+v", reqs[0])
	}
	if reqs[0].Done != nil {
		t.Error("bus-originated request should not have a Done channel")
	}
}

func TestComputeSleep_ClampsToPlanRequest(t *testing.T) {
	loop, _, _ := newTestLoop(t, &scriptedRouter{})
	status := budget.Status{Remaining: 40, Providers: []budget.ProviderStatus{{Provider: "test-provider", Tier: "paid"}}}

	sleep := loop.computeSleep(planner.Plan{NextSleepSeconds: 1}, status)
	if sleep != float64(loop.cfg.MinSleepSeconds) {
		t.Errorf("sleep = %v, want clamped to min %v", sleep, loop.cfg.MinSleepSeconds)
	}

	sleep = loop.computeSleep(planner.Plan{NextSleepSeconds: 100000}, status)
	if sleep != float64(loop.cfg.MaxSleepSeconds) {
		t.Errorf("sleep = %v, want clamped to max %v", sleep, loop.cfg.MaxSleepSeconds)
	}
}

func TestComputeSleep_ExhaustedBudgetNoFreeProvider(t *testing.T) {
	loop, _, _ := newTestLoop(t, &scriptedRouter{})
	status := budget.Status{Remaining: 0, Providers: []budget.ProviderStatus{{Provider: "test-provider", Tier: "paid"}}}

	sleep := loop.computeSleep(planner.Plan{}, status)
	if sleep != float64(loop.cfg.MaxSleepSeconds) {
		t.Errorf("sleep = %v, want max sleep when budget exhausted", sleep)
	}
}

func TestComputeSleep_NoActionsProposed(t *testing.T) {
	loop, _, _ := newTestLoop(t, &scriptedRouter{})
	status := budget.Status{Remaining: 40, Providers: []budget.ProviderStatus{{Provider: "test-provider", Tier: "paid"}}}

	sleep := loop.computeSleep(planner.Plan{}, status)
	if sleep != 120 {
		t.Errorf("sleep = %v, want 120 for an empty plan", sleep)
	}
}

func TestWake_CoalescesMultipleCalls(t *testing.T) {
	loop, _, _ := newTestLoop(t, &scriptedRouter{})
	loop.Wake()
	loop.Wake()
	loop.Wake()
	select {
	case <-loop.wakeCh:
	default:
		t.Fatal("expected a coalesced wake signal")
	}
	select {
	case <-loop.wakeCh:
		t.Fatal("expected wake channel to be drained after one receive")
	default:
	}
}
