package stat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"statagent/internal/kv"
	"statagent/internal/pool"
	"statagent/internal/session"
	"statagent/internal/traffic"
)

type agentFixture struct {
	tracker  *fakeTracker
	params   *fakeParams
	sessions *fakeSessions
	traffic  *fakeTraffic
	crash    *fakeCrash
	store    *kv.Memory
	now      time.Time
}

// newFixture builds collaborators with deterministic params and clock.
// Params: none.
// Returns: fixture.
func newFixture() *agentFixture {
	return &agentFixture{
		tracker: &fakeTracker{},
		params: &fakeParams{
			common: map[string]string{"appId": "demo", "appVersion": "1.2.0", "timestamp": "stale"},
			device: map[string]string{"model": "x86", "os": "linux"},
		},
		sessions: &fakeSessions{},
		traffic:  &fakeTraffic{},
		crash:    &fakeCrash{},
		store:    kv.NewMemory(),
		now:      time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

// agent constructs an agent from the fixture.
// Params: t testing handle.
// Returns: agent.
func (f *agentFixture) agent(t *testing.T) *Agent {
	t.Helper()
	agent, err := NewAgent(Deps{
		Tracker:  f.tracker,
		Params:   f.params,
		Sessions: f.sessions,
		Traffic:  f.traffic,
		Store:    f.store,
		Crash:    f.crash,
		Logger:   testLogger(),
	}, Options{
		ServerURL: "http://collector/",
		OwnerID:   "1000",
		Debug:     true,
		Now:       func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return agent
}

// TestAgent_InitRunsStartOfDay verifies init dispatches and collaborator wiring.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_InitRunsStartOfDay(t *testing.T) {
	f := newFixture()
	agent := f.agent(t)

	if err := agent.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if agent.State() != StateReady {
		t.Fatalf("unexpected state: %s", agent.State())
	}

	events := f.tracker.events()
	if len(events) != 2 {
		t.Fatalf("expected device and launch events, got %d", len(events))
	}
	if events[0].url != "http://collector/api/countly/device.do" {
		t.Fatalf("unexpected device url: %s", events[0].url)
	}
	if events[1].url != "http://collector/api/countly/launch.do" {
		t.Fatalf("unexpected launch url: %s", events[1].url)
	}
	if events[0].fields["model"] != "x86" {
		t.Fatalf("device params missing: %v", events[0].fields)
	}
	if !f.tracker.debug {
		t.Fatalf("expected debug forwarded to tracker")
	}
	if f.sessions.onTick == nil {
		t.Fatalf("expected session subscription")
	}
	if f.traffic.started != 1 {
		t.Fatalf("expected traffic start, got %d", f.traffic.started)
	}
	if f.crash.url != "http://collector/api/countly/crash.do" || f.crash.params["appId"] != "demo" {
		t.Fatalf("unexpected crash registration: %q %v", f.crash.url, f.crash.params)
	}
}

// TestHolder_InitInstanceOnce verifies a second InitInstance does not redo start-of-day work.
// Params: testing.T for assertions.
// Returns: none.
func TestHolder_InitInstanceOnce(t *testing.T) {
	f := newFixture()
	var holder Holder

	if _, err := holder.Get(); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized, got %v", err)
	}

	builds := 0
	factory := func() (*Agent, error) {
		builds++
		return f.agent(t), nil
	}
	first, err := holder.InitInstance(context.Background(), factory)
	if err != nil {
		t.Fatalf("first init: %v", err)
	}
	second, err := holder.InitInstance(context.Background(), factory)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}

	if first != second || builds != 1 {
		t.Fatalf("expected one agent instance, builds=%d", builds)
	}
	if got := len(f.tracker.byURLSuffix("device.do")); got != 1 {
		t.Fatalf("expected one device dispatch, got %d", got)
	}
	if got := len(f.tracker.byURLSuffix("launch.do")); got != 1 {
		t.Fatalf("expected one launch dispatch, got %d", got)
	}
	if got, err := holder.Get(); err != nil || got != first {
		t.Fatalf("get after init: %v", err)
	}
}

// TestAgent_SendMergePrecedence verifies common < builder < kind extras.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_SendMergePrecedence(t *testing.T) {
	f := newFixture()
	f.params.common = map[string]string{"a": "1"}
	f.params.device = map[string]string{"a": "4"}
	agent := f.agent(t)
	if err := agent.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	b := NewDevice().WithLogger(testLogger()).Set("a", "2").Set("b", "3")
	if err := agent.Send(context.Background(), b); err != nil {
		t.Fatalf("send: %v", err)
	}

	events := f.tracker.events()
	got := events[len(events)-1].fields
	if got["a"] != "4" || got["b"] != "3" {
		t.Fatalf("unexpected merge: %v", got)
	}
	if got["timestamp"] != "2024-05-06 07:08:09" {
		t.Fatalf("expected dispatch timestamp, got %q", got["timestamp"])
	}
	if b.Get("a") != "2" {
		t.Fatalf("send mutated builder")
	}
}

// TestAgent_SendKeepsBuilderTimestamp verifies builder timestamps win over dispatch time.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_SendKeepsBuilderTimestamp(t *testing.T) {
	f := newFixture()
	agent := f.agent(t)
	if err := agent.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := agent.Send(context.Background(), NewException("E", "p", "c", "2020-01-01 00:00:00", "0")); err != nil {
		t.Fatalf("send: %v", err)
	}
	events := f.tracker.byURLSuffix("crash.do")
	if len(events) != 1 || events[0].fields["timestamp"] != "2020-01-01 00:00:00" {
		t.Fatalf("unexpected exception dispatch: %+v", events)
	}
}

// TestAgent_SessionTicks verifies device params are merged only for begin ticks.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_SessionTicks(t *testing.T) {
	f := newFixture()
	agent := f.agent(t)
	if err := agent.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	f.sessions.tick(session.Tick{SessionID: "s1", Begin: "1", Duration: "0", End: "0", ActivityID: "Main"})
	f.sessions.tick(session.Tick{SessionID: "s1", Begin: "0", Duration: "5", End: "0", ActivityID: "Main"})

	events := f.tracker.byURLSuffix("session.do")
	if len(events) != 2 {
		t.Fatalf("unexpected session events: %d", len(events))
	}
	if events[0].fields["model"] != "x86" || events[0].fields["sessionId"] != "s1" {
		t.Fatalf("begin tick must carry device params: %v", events[0].fields)
	}
	if _, ok := events[1].fields["model"]; ok {
		t.Fatalf("duration tick must not carry device params: %v", events[1].fields)
	}
}

// TestAgent_SendLaunchNewUserFlag verifies first launch reports isNew=1 and later ones 0.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_SendLaunchNewUserFlag(t *testing.T) {
	f := newFixture()
	agent := f.agent(t)
	ctx := context.Background()
	if err := agent.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := agent.RecordExit(ctx, "2"); err != nil {
		t.Fatalf("record exit: %v", err)
	}
	if err := agent.SendLaunch(ctx); err != nil {
		t.Fatalf("send launch: %v", err)
	}

	launches := f.tracker.byURLSuffix("launch.do")
	if len(launches) != 2 {
		t.Fatalf("unexpected launch count: %d", len(launches))
	}
	first, second := launches[0].fields, launches[1].fields
	if first["isNew"] != "1" || first["exitCode"] != "" || first["exitVersion"] != "" {
		t.Fatalf("unexpected first launch: %v", first)
	}
	if second["isNew"] != "0" || second["exitCode"] != "2" || second["exitVersion"] != "1.2.0" {
		t.Fatalf("unexpected second launch: %v", second)
	}
	if second["launchTime"] != "2024-05-06 07:08:09" {
		t.Fatalf("unexpected launch time: %q", second["launchTime"])
	}
}

// TestAgent_SendTrafficEmpty verifies no dispatch and no acknowledgement for an empty pull.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_SendTrafficEmpty(t *testing.T) {
	f := newFixture()
	agent := f.agent(t)
	if err := agent.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	before := len(f.tracker.events())

	if err := agent.SendTraffic(context.Background()); err != nil {
		t.Fatalf("send traffic: %v", err)
	}
	if len(f.tracker.events()) != before {
		t.Fatalf("expected zero dispatches")
	}
	if len(f.traffic.acked) != 0 {
		t.Fatalf("expected no acknowledgement, got %v", f.traffic.acked)
	}
	if len(f.traffic.pulled) != 1 || f.traffic.pulled[0] != "1000/2024-05-06" {
		t.Fatalf("unexpected pull: %v", f.traffic.pulled)
	}
}

// TestAgent_SendTrafficRecords verifies one dispatch per record followed by acknowledgement.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_SendTrafficRecords(t *testing.T) {
	f := newFixture()
	f.traffic.records = []traffic.Record{
		{Date: "2024-05-04", TotalRx: "1"},
		{Date: "2024-05-05", TotalRx: "2"},
	}
	agent := f.agent(t)
	if err := agent.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := agent.SendTraffic(context.Background()); err != nil {
		t.Fatalf("send traffic: %v", err)
	}
	events := f.tracker.byURLSuffix("traffic.do")
	if len(events) != 2 {
		t.Fatalf("unexpected traffic dispatches: %d", len(events))
	}
	if events[1].fields["date"] != "2024-05-05" || events[1].fields["totalRx"] != "2" {
		t.Fatalf("unexpected record fields: %v", events[1].fields)
	}
	if len(f.traffic.acked) != 1 || f.traffic.acked[0] != "1000/2024-05-06" {
		t.Fatalf("unexpected acknowledgement: %v", f.traffic.acked)
	}
}

// TestAgent_ConcurrentSendTrafficReportsOnce verifies parallel reports never repeat a day.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_ConcurrentSendTrafficReportsOnce(t *testing.T) {
	f := newFixture()
	f.tracker.delay = 20 * time.Millisecond
	ctx := context.Background()

	acc := traffic.NewAccumulator(f.store, nil, traffic.Config{}, testLogger())
	if err := acc.Add(ctx, "1000", "2020-01-01", traffic.Delta{TotalRx: 5}); err != nil {
		t.Fatalf("add: %v", err)
	}
	agent, err := NewAgent(Deps{
		Tracker:  f.tracker,
		Params:   f.params,
		Sessions: f.sessions,
		Traffic:  acc,
		Store:    f.store,
		Logger:   testLogger(),
	}, Options{OwnerID: "1000", Now: func() time.Time { return f.now }})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := agent.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := agent.SendTraffic(ctx); err != nil {
				t.Errorf("send traffic: %v", err)
			}
		}()
	}
	wg.Wait()

	count := 0
	for _, event := range f.tracker.byURLSuffix("traffic.do") {
		if event.fields["date"] == "2020-01-01" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("traffic events for 2020-01-01: %d, want 1", count)
	}
}

// TestAgent_SendLaunchAfterDestroyKeepsFlag verifies a rejected launch leaves the new-user flag alone.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_SendLaunchAfterDestroyKeepsFlag(t *testing.T) {
	f := newFixture()
	agent := f.agent(t)
	ctx := context.Background()

	if err := agent.SendLaunch(ctx); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized, got %v", err)
	}
	if present, _ := f.store.Contains(ctx, KeyIsNewUser); present {
		t.Fatalf("new-user flag must stay unset before init")
	}

	if err := agent.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := agent.SendLaunch(ctx); !errors.Is(err, ErrUninitialized) && !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected lifecycle error, got %v", err)
	}
	if present, _ := f.store.Contains(ctx, KeyIsNewUser); present {
		t.Fatalf("new-user flag must stay unset after destroy")
	}
}

// TestAgent_SharedStartOfDayRunsOnce verifies a rebuilt agent sharing the guard skips device and launch.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_SharedStartOfDayRunsOnce(t *testing.T) {
	f := newFixture()
	guard := &StartOfDay{}
	for i := 0; i < 2; i++ {
		agent, err := NewAgent(Deps{
			Tracker:  f.tracker,
			Params:   f.params,
			Sessions: &fakeSessions{},
			Traffic:  &fakeTraffic{},
			Store:    f.store,
			Logger:   testLogger(),
		}, Options{StartOfDay: guard, Now: func() time.Time { return f.now }})
		if err != nil {
			t.Fatalf("new agent: %v", err)
		}
		if err := agent.Init(context.Background()); err != nil {
			t.Fatalf("init %d: %v", i, err)
		}
		if err := agent.Destroy(); err != nil {
			t.Fatalf("destroy %d: %v", i, err)
		}
	}

	if n := len(f.tracker.byURLSuffix("launch.do")); n != 1 {
		t.Fatalf("launch dispatches=%d, want 1", n)
	}
	if n := len(f.tracker.byURLSuffix("device.do")); n != 1 {
		t.Fatalf("device dispatches=%d, want 1", n)
	}
}

// TestAgent_Lifecycle verifies uninitialized and destroyed states reject dispatch.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_Lifecycle(t *testing.T) {
	f := newFixture()
	agent := f.agent(t)
	ctx := context.Background()

	if err := agent.Send(ctx, NewAppView("Main")); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized, got %v", err)
	}
	if err := agent.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	agent.OnActivityResume("Main")
	agent.OnFragmentResume("Tab")
	agent.OnFragmentPause("Tab")
	agent.OnActivityPause("Main")
	if len(f.sessions.started) != 2 || len(f.sessions.stopped) != 2 {
		t.Fatalf("hooks not forwarded: %v %v", f.sessions.started, f.sessions.stopped)
	}

	if err := agent.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := agent.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if f.tracker.closed != 1 || f.sessions.shut != 1 || f.traffic.shut != 1 {
		t.Fatalf("unexpected teardown counts: tracker=%d sessions=%d traffic=%d", f.tracker.closed, f.sessions.shut, f.traffic.shut)
	}
	if err := agent.Send(ctx, NewAppView("Main")); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if err := agent.Init(ctx); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed from Init, got %v", err)
	}
}

// TestAgent_DestroyDispatchesSessionEnd verifies the end tick emitted on shutdown reaches the tracker.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_DestroyDispatchesSessionEnd(t *testing.T) {
	f := newFixture()
	f.sessions.final = &session.Tick{SessionID: "s1", Begin: "0", Duration: "12", End: "1"}
	agent := f.agent(t)
	if err := agent.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := agent.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	ends := f.tracker.byURLSuffix("api/countly/session.do")
	if len(ends) != 1 || ends[0].fields["endSession"] != "1" {
		t.Fatalf("session end not dispatched: %+v", ends)
	}
}

// TestAgent_StartOfDayOnPool verifies start-of-day dispatch runs on the named pool.
// Params: testing.T for assertions.
// Returns: none.
func TestAgent_StartOfDayOnPool(t *testing.T) {
	f := newFixture()
	registry := pool.NewRegistry(pool.WithLogger(testLogger()))
	defer registry.CloseAll()

	agent, err := NewAgent(Deps{
		Tracker:  f.tracker,
		Params:   f.params,
		Sessions: f.sessions,
		Traffic:  f.traffic,
		Store:    f.store,
		Pools:    registry,
		Logger:   testLogger(),
	}, Options{Pool: "stat", Now: func() time.Time { return f.now }})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := agent.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if agent.ServerURL() != DefaultServerURL {
		t.Fatalf("expected default server url, got %q", agent.ServerURL())
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.tracker.events()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("start-of-day dispatch did not run on pool")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected stat pool registered")
	}
}

// TestNewAgent_RequiresCollaborators verifies missing collaborators are rejected.
// Params: testing.T for assertions.
// Returns: none.
func TestNewAgent_RequiresCollaborators(t *testing.T) {
	if _, err := NewAgent(Deps{}, Options{}); err == nil {
		t.Fatalf("expected error for missing tracker")
	}
}
