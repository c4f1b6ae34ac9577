package traffic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// Store is the persistence surface the monitor needs, satisfied by
// internal/store.Store.
type Store interface {
	SetTrafficData(ctx context.Context, chain string, at time.Time, value uint64) error
	GetTrafficData(ctx context.Context, chain string) (time.Time, uint64, error)
	RemoveTrafficData(ctx context.Context, chain string) error
}

// Monitor samples system and per-instance iptables byte counters on a
// fixed sweep interval, tracking a (initial, sub, current, limit) counter
// per chain the same way the original implementation's TrafficMonitor
// does, with limit-exceeded chains disabled by inserting a DROP rule
// ahead of the counting rule.
type Monitor struct {
	mu sync.RWMutex

	ipt    IPTables
	store  Store
	logger *slog.Logger

	period       Period
	pollInterval time.Duration

	chains map[string]*Counter // chain name -> counter
	byInst map[string][2]string // instanceID -> (inChain, outChain)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor constructs a Monitor. Call Start to begin the periodic sweep.
func NewMonitor(ipt IPTables, store Store, logger *slog.Logger, period Period, pollInterval time.Duration) *Monitor {
	return &Monitor{
		ipt:          ipt,
		store:        store,
		logger:       logger,
		period:       period,
		pollInterval: pollInterval,
		chains:       make(map[string]*Counter),
		byInst:       make(map[string][2]string),
	}
}

// Init creates the two system chains if they do not already exist and
// restores their persisted counters.
func (m *Monitor) Init(ctx context.Context, inLimit, outLimit uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.createTrafficChainLocked(ctx, systemInChain, "", inLimit); err != nil {
		return err
	}
	if err := m.createTrafficChainLocked(ctx, systemOutChain, "", outLimit); err != nil {
		return err
	}
	return nil
}

// Start launches the background sweep goroutine; Stop must be called to
// release it.
func (m *Monitor) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				m.sweep(sweepCtx)
			}
		}
	}()
}

// Stop halts the sweep goroutine and blocks until it has exited.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// SetPeriod changes the accounting window boundary used by isSamePeriod.
func (m *Monitor) SetPeriod(period Period) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.period = period
}

// StartInstanceMonitoring creates the instance's IN/OUT chains (if
// absent), restoring any persisted counters, and indexes them by
// instanceID for GetInstanceTraffic/StopInstanceMonitoring.
func (m *Monitor) StartInstanceMonitoring(ctx context.Context, instanceID string, ipAddress string, inLimit, outLimit uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, out := instanceChainNames(instanceID)

	if err := m.createTrafficChainLocked(ctx, in, ipAddress, inLimit); err != nil {
		return err
	}
	if err := m.createTrafficChainLocked(ctx, out, ipAddress, outLimit); err != nil {
		return err
	}

	m.byInst[instanceID] = [2]string{in, out}

	return nil
}

// StopInstanceMonitoring deletes the instance's chains and its persisted
// counters; it is not an error to call this for an instance that was
// never started.
func (m *Monitor) StopInstanceMonitoring(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, ok := m.byInst[instanceID]
	if !ok {
		return nil
	}
	delete(m.byInst, instanceID)

	var errs []error
	for _, chain := range pair {
		if err := m.deleteTrafficChainLocked(ctx, chain); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &core.ErrFailed{Source: "stop_instance_monitoring", Cause: errs[0]}
	}
	return nil
}

// GetSystemData returns the current accounted (in, out) byte totals for
// the system chains.
func (m *Monitor) GetSystemData() (in, out uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chains[systemInChain].Current, m.chains[systemOutChain].Current
}

// GetInstanceTraffic returns the current accounted (in, out) byte totals
// for instanceID. ok is false if the instance is not being monitored.
func (m *Monitor) GetInstanceTraffic(instanceID string) (in, out uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pair, present := m.byInst[instanceID]
	if !present {
		return 0, 0, false
	}
	return m.chains[pair[0]].Current, m.chains[pair[1]].Current, true
}

// sweep samples every tracked chain's byte counter, rolling the period
// window and re-evaluating limits as needed.
func (m *Monitor) sweep(ctx context.Context) {
	m.sweepAt(ctx, time.Now())
}

// sweepAt is sweep with an injectable clock, so period-boundary behavior
// can be exercised deterministically in tests.
func (m *Monitor) sweepAt(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for chain, counter := range m.chains {
		var value uint64

		// A disabled chain has a DROP rule ahead of the counting rule, so
		// its iptables byte counter no longer reflects new traffic; the
		// original leaves it unread while disabled.
		if !counter.Disabled {
			v, err := m.ipt.ChainBytes(ctx, chain)
			if err != nil {
				m.logger.Warn("failed to read chain byte counter", "chain", chain, "error", err)
				continue
			}
			value = v
		}

		if !m.isSamePeriod(counter.LastUpdate, now) {
			counter.Initial = 0
			counter.Sub = value
		}

		counter.Current = counter.Initial + value - counter.Sub
		counter.LastUpdate = now

		if err := m.store.SetTrafficData(ctx, chain, now, counter.Current); err != nil {
			m.logger.Warn("failed to persist traffic counter", "chain", chain, "error", err)
		}

		m.checkTrafficLimitLocked(ctx, chain, counter)
	}
}

// isSamePeriod reports whether last and now fall inside the same
// accounting window for the monitor's configured Period.
func (m *Monitor) isSamePeriod(last, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	switch m.period {
	case PeriodMinute:
		return last.Truncate(time.Minute).Equal(now.Truncate(time.Minute))
	case PeriodHour:
		return last.Truncate(time.Hour).Equal(now.Truncate(time.Hour))
	case PeriodDay:
		ly, lm, ld := last.Date()
		ny, nm, nd := now.Date()
		return ly == ny && lm == nm && ld == nd
	case PeriodMonth:
		ly, lm, _ := last.Date()
		ny, nm, _ := now.Date()
		return ly == ny && lm == nm
	case PeriodYear:
		return last.Year() == now.Year()
	default:
		return false
	}
}

// checkTrafficLimitLocked disables (DROP-inserts) or re-enables a chain
// whose current usage has crossed its configured limit, and at either
// transition sets Initial to Current and Sub to 0, matching the original
// implementation's ResetTrafficData. The iptables byte counter itself is
// not zeroed. A limit of zero means unlimited.
func (m *Monitor) checkTrafficLimitLocked(ctx context.Context, chain string, counter *Counter) {
	if counter.Limit == 0 {
		return
	}

	switch {
	case counter.Current > counter.Limit && !counter.Disabled:
		if err := m.setChainStateLocked(ctx, chain, counter.Addresses, true); err != nil {
			m.logger.Warn("failed to update chain drop state", "chain", chain, "error", err)
			return
		}
		counter.Disabled = true
	case counter.Current < counter.Limit && counter.Disabled:
		if err := m.setChainStateLocked(ctx, chain, counter.Addresses, false); err != nil {
			m.logger.Warn("failed to update chain drop state", "chain", chain, "error", err)
			return
		}
		counter.Disabled = false
	default:
		return
	}

	counter.Initial = counter.Current
	counter.Sub = 0
}

// setChainStateLocked inserts or removes the leading DROP rule that
// enforces a chain's limit. The rule is scoped to addresses on the
// direction-appropriate match (destination for an _IN chain, source for an
// _OUT chain) so it drops only the instance's own traffic, not everything
// passing through the chain.
func (m *Monitor) setChainStateLocked(ctx context.Context, chain, addresses string, disabled bool) error {
	rule := directionalRule(chain, addresses, "DROP")
	if disabled {
		return m.ipt.Insert(ctx, chain, 1, rule)
	}
	return m.ipt.DeleteRule(ctx, chain, rule)
}

// directionalRule builds a Rule matching addresses on the destination for
// an _IN chain or the source for an _OUT chain, the same pairing the
// original implementation's SetChainState/CreateTrafficChain use.
func directionalRule(chain, addresses, jump string) Rule {
	rule := Rule{Jump: jump}
	switch {
	case isInChain(chain):
		rule.Destination = addresses
	case isOutChain(chain):
		rule.Source = addresses
	}
	return rule
}

// createTrafficChainLocked creates chain if it does not already exist and
// seeds its Counter from the persisted value, if any. addresses scopes the
// chain's counting rule to the instance's own traffic (empty for the
// system-wide chains, which count everything).
func (m *Monitor) createTrafficChainLocked(ctx context.Context, chain, addresses string, limit uint64) error {
	if _, ok := m.chains[chain]; ok {
		return nil
	}

	if err := m.ipt.NewChain(ctx, chain); err != nil {
		m.logger.Debug("chain create skipped, assumed to already exist", "chain", chain, "error", err)
	}
	// The trailing counting rule is a RETURN so the chain is inert until
	// the DROP rule is inserted ahead of it by setChainStateLocked.
	if err := m.ipt.Append(ctx, chain, directionalRule(chain, addresses, "RETURN")); err != nil {
		m.logger.Debug("counting rule append skipped", "chain", chain, "error", err)
	}

	counter := &Counter{Chain: chain, Limit: limit, Addresses: addresses}

	at, value, err := m.store.GetTrafficData(ctx, chain)
	if err != nil {
		if !core.IsNotFound(err) {
			return err
		}
	} else {
		counter.Initial = value
		counter.Current = value
		counter.LastUpdate = at
	}

	m.chains[chain] = counter
	return nil
}

// deleteTrafficChainLocked removes chain's iptables rules and persisted
// counter. System chains (AOS_SYSTEM_IN/OUT) are never deleted through
// this path; callers only pass instance chains.
func (m *Monitor) deleteTrafficChainLocked(ctx context.Context, chain string) error {
	delete(m.chains, chain)

	if err := m.ipt.ClearChain(ctx, chain); err != nil {
		m.logger.Warn("failed to clear chain", "chain", chain, "error", err)
	}
	if err := m.ipt.DeleteChain(ctx, chain); err != nil {
		m.logger.Warn("failed to delete chain", "chain", chain, "error", err)
	}

	if err := m.store.RemoveTrafficData(ctx, chain); err != nil && !core.IsNotFound(err) {
		return &core.ErrStorage{Operation: "remove_traffic_data", Cause: err}
	}
	return nil
}

// deleteAllTrafficChains tears down every chain carrying the AOS_ prefix,
// used on startup to clear stale state left by a previous, uncleanly
// terminated run.
func (m *Monitor) deleteAllTrafficChains(ctx context.Context) error {
	chains, err := m.ipt.ListChains(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, chain := range chains {
		if !hasPrefix(chain, chainPrefix) {
			continue
		}
		if err := m.deleteTrafficChainLocked(ctx, chain); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &core.ErrFailed{Source: "delete_all_traffic_chains", Cause: errs[0]}
	}
	return nil
}
