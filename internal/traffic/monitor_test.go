package traffic

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

type fakeIPTables struct {
	mu      sync.Mutex
	bytes   map[string]uint64
	chains  map[string]bool
	dropped map[string]bool
}

func newFakeIPTables() *fakeIPTables {
	return &fakeIPTables{
		bytes:   make(map[string]uint64),
		chains:  make(map[string]bool),
		dropped: make(map[string]bool),
	}
}

func (f *fakeIPTables) NewChain(ctx context.Context, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain] = true
	return nil
}

func (f *fakeIPTables) DeleteChain(ctx context.Context, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chains, chain)
	return nil
}

func (f *fakeIPTables) ClearChain(ctx context.Context, chain string) error { return nil }

func (f *fakeIPTables) Insert(ctx context.Context, chain string, pos int, rule Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.Jump == "DROP" {
		f.dropped[chain] = true
	}
	return nil
}

func (f *fakeIPTables) Append(ctx context.Context, chain string, rule Rule) error { return nil }

func (f *fakeIPTables) DeleteRule(ctx context.Context, chain string, rule Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.Jump == "DROP" {
		delete(f.dropped, chain)
	}
	return nil
}

func (f *fakeIPTables) ListChains(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for c := range f.chains {
		names = append(names, c)
	}
	return names, nil
}

func (f *fakeIPTables) ChainBytes(ctx context.Context, chain string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes[chain], nil
}

func (f *fakeIPTables) setBytes(chain string, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes[chain] = v
}

type fakeStore struct {
	mu   sync.Mutex
	data map[string]struct {
		at    time.Time
		value uint64
	}
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]struct {
		at    time.Time
		value uint64
	})}
}

func (s *fakeStore) SetTrafficData(ctx context.Context, chain string, at time.Time, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[chain] = struct {
		at    time.Time
		value uint64
	}{at, value}
	return nil
}

func (s *fakeStore) GetTrafficData(ctx context.Context, chain string) (time.Time, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[chain]
	if !ok {
		return time.Time{}, 0, &core.ErrNotFound{Resource: "traffic_counter", Key: chain}
	}
	return entry.at, entry.value, nil
}

func (s *fakeStore) RemoveTrafficData(ctx context.Context, chain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[chain]; !ok {
		return &core.ErrNotFound{Resource: "traffic_counter", Key: chain}
	}
	delete(s.data, chain)
	return nil
}

func newTestMonitor(ipt IPTables, store Store) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMonitor(ipt, store, logger, PeriodDay, time.Hour)
}

func TestInitCreatesSystemChains(t *testing.T) {
	ipt := newFakeIPTables()
	store := newFakeStore()
	m := newTestMonitor(ipt, store)

	require.NoError(t, m.Init(context.Background(), 1000, 2000))

	in, out := m.GetSystemData()
	require.Equal(t, uint64(0), in)
	require.Equal(t, uint64(0), out)
}

func TestStartAndStopInstanceMonitoring(t *testing.T) {
	ipt := newFakeIPTables()
	store := newFakeStore()
	m := newTestMonitor(ipt, store)
	ctx := context.Background()

	require.NoError(t, m.StartInstanceMonitoring(ctx, "inst1", "10.0.0.5", 0, 0))

	in, out, ok := m.GetInstanceTraffic("inst1")
	require.True(t, ok)
	require.Equal(t, uint64(0), in)
	require.Equal(t, uint64(0), out)

	require.NoError(t, m.StopInstanceMonitoring(ctx, "inst1"))

	_, _, ok = m.GetInstanceTraffic("inst1")
	require.False(t, ok)
}

func TestSweepAccumulatesWithinSamePeriod(t *testing.T) {
	ipt := newFakeIPTables()
	store := newFakeStore()
	m := newTestMonitor(ipt, store)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, 0, 0))

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// First sweep always lands on a period boundary (LastUpdate is zero),
	// so current resets to 0 regardless of the raw reading.
	ipt.setBytes(systemInChain, 500)
	m.sweepAt(ctx, base)
	in, _ := m.GetSystemData()
	require.Equal(t, uint64(0), in)

	// Same day, so no reset: current tracks the delta off the reset baseline.
	ipt.setBytes(systemInChain, 1200)
	m.sweepAt(ctx, base.Add(time.Minute))
	in, _ = m.GetSystemData()
	require.Equal(t, uint64(700), in)
}

// TestSweepResetsCurrentAcrossPeriodBoundaries traces the raw/current
// sequence from the minute-period traffic scenario: current must restart
// from 0 on every period boundary, not continue accumulating.
func TestSweepResetsCurrentAcrossPeriodBoundaries(t *testing.T) {
	ipt := newFakeIPTables()
	store := newFakeStore()
	m := newTestMonitor(ipt, store)
	m.SetPeriod(PeriodMinute)
	ctx := context.Background()

	require.NoError(t, m.Init(ctx, 0, 0))

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	ipt.setBytes(systemInChain, 100)
	m.sweepAt(ctx, t0)
	in, _ := m.GetSystemData()
	require.Equal(t, uint64(0), in)

	ipt.setBytes(systemInChain, 500)
	m.sweepAt(ctx, t0.Add(30*time.Second))
	in, _ = m.GetSystemData()
	require.Equal(t, uint64(400), in)

	ipt.setBytes(systemInChain, 600)
	m.sweepAt(ctx, t0.Add(70*time.Second))
	in, _ = m.GetSystemData()
	require.Equal(t, uint64(0), in)
}

func TestSweepDisablesChainOnLimitExceeded(t *testing.T) {
	ipt := newFakeIPTables()
	store := newFakeStore()
	m := newTestMonitor(ipt, store)
	ctx := context.Background()

	require.NoError(t, m.StartInstanceMonitoring(ctx, "inst1", "10.0.0.5", 1000, 0))
	in, _ := instanceChainNames("inst1")

	// The first sweep of a new chain starts its window (LastUpdate is
	// zero), so take a baseline at raw 0 before raising the counter.
	m.sweep(ctx)

	ipt.setBytes(in, 1500)
	m.sweep(ctx)

	require.True(t, ipt.dropped[in])

	ipt.setBytes(in, 50)
	m.period = PeriodMinute
	time.Sleep(time.Millisecond)
	m.sweep(ctx)

	_, _, ok := m.GetInstanceTraffic("inst1")
	require.True(t, ok)
}

func TestDeleteAllTrafficChainsRemovesOnlyAOSPrefixed(t *testing.T) {
	ipt := newFakeIPTables()
	store := newFakeStore()
	m := newTestMonitor(ipt, store)
	ctx := context.Background()

	require.NoError(t, ipt.NewChain(ctx, "AOS_deadbeef_IN"))
	require.NoError(t, ipt.NewChain(ctx, "DOCKER"))
	m.chains["AOS_deadbeef_IN"] = &Counter{Chain: "AOS_deadbeef_IN"}

	require.NoError(t, m.deleteAllTrafficChains(ctx))

	require.False(t, ipt.chains["AOS_deadbeef_IN"])
	require.True(t, ipt.chains["DOCKER"])
}

func TestInstanceChainNamesAreDeterministic(t *testing.T) {
	in1, out1 := instanceChainNames("instance-a")
	in2, out2 := instanceChainNames("instance-a")
	require.Equal(t, in1, in2)
	require.Equal(t, out1, out2)
	require.NotEqual(t, in1, out1)

	inB, _ := instanceChainNames("instance-b")
	require.NotEqual(t, in1, inB)
}
