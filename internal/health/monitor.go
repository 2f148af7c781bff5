package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/termsync/internal/model"
)

// Config configures a Monitor.
type Config struct {
	SilenceThreshold time.Duration // Replica is disconnected after this long without a heartbeat
	CheckInterval    time.Duration // How often silence is evaluated
	SampleInterval   time.Duration // How often uptime is sampled
	Windows          []Window
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: time.Minute,
		CheckInterval:    time.Second,
		SampleInterval:   time.Second,
		Windows: []Window{
			{Name: "1h", Length: time.Hour},
			{Name: "1d", Length: 24 * time.Hour},
			{Name: "1w", Length: 7 * 24 * time.Hour},
		},
	}
}

// ReplicaHealth is the health of one server replica serving an account.
type ReplicaHealth struct {
	Host              string    `json:"host"`
	Connected         bool      `json:"connected"`
	ConnectedToBroker bool      `json:"connectedToBroker"`
	LastHeartbeat     time.Time `json:"lastHeartbeat"`
}

// AccountHealth is the health of one account.
type AccountHealth struct {
	AccountID         string             `json:"accountId"`
	Connected         bool               `json:"connected"`
	ConnectedToBroker bool               `json:"connectedToBroker"`
	LastHeartbeat     time.Time          `json:"lastHeartbeat"`
	Replicas          []ReplicaHealth    `json:"replicas"`
	Uptime            map[string]float64 `json:"uptime"`
}

// Stats contains monitor counters.
type Stats struct {
	Accounts   int
	Connected  int
	Heartbeats int64
	Silences   int64
	Resumes    int64
}

type replica struct {
	host              string
	connected         bool
	connectedToBroker bool
	lastHeartbeat     time.Time
}

type record struct {
	accountID string
	connected bool
	silenced  bool // lost every replica after being connected
	replicas  map[string]*replica
	windows   []*rolling
}

func (r *record) lastHeartbeat() time.Time {
	var last time.Time
	for _, rep := range r.replicas {
		if rep.lastHeartbeat.After(last) {
			last = rep.lastHeartbeat
		}
	}
	return last
}

func (r *record) brokerConnected() bool {
	for _, rep := range r.replicas {
		if rep.connected && rep.connectedToBroker {
			return true
		}
	}
	return false
}

func (r *record) anyReplicaConnected() bool {
	for _, rep := range r.replicas {
		if rep.connected {
			return true
		}
	}
	return false
}

// Monitor tracks account liveness from status heartbeats. Heartbeats are
// tracked per replica; an account is disconnected only once every replica
// serving it is silent.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	onSilent  func(accountID string)
	onResumed func(accountID string)

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	accounts   map[string]*record
	heartbeats int64
	silences   int64
	resumes    int64
}

// New creates a Monitor.
func New(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if len(cfg.Windows) == 0 {
		cfg.Windows = def.Windows
	}

	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		accounts: make(map[string]*record),
	}
}

// OnSilent sets the callback invoked when all replicas of an account went silent.
func (m *Monitor) OnSilent(fn func(accountID string)) {
	m.onSilent = fn
}

// OnResumed sets the callback invoked on the first heartbeat after silence.
func (m *Monitor) OnResumed(fn func(accountID string)) {
	m.onResumed = fn
}

// Start runs the silence check and uptime sampling loops.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		check := time.NewTicker(m.cfg.CheckInterval)
		defer check.Stop()
		sample := time.NewTicker(m.cfg.SampleInterval)
		defer sample.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-check.C:
				m.Check(now)
			case now := <-sample.C:
				m.Sample(now)
			}
		}
	}()
}

// Stop stops the background loops.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track starts tracking an account. Silence is only detected after the
// first heartbeat.
func (m *Monitor) Track(accountID string) {
	m.mu.Lock()
	m.recordLocked(accountID)
	m.mu.Unlock()
}

// Remove stops tracking an account.
func (m *Monitor) Remove(accountID string) {
	m.mu.Lock()
	delete(m.accounts, accountID)
	m.mu.Unlock()
}

// Heartbeat records a status packet from one replica.
func (m *Monitor) Heartbeat(accountID, host string, status *model.Status, at time.Time) {
	m.mu.Lock()

	m.heartbeats++
	rec := m.recordLocked(accountID)
	rep, ok := rec.replicas[host]
	if !ok {
		rep = &replica{host: host}
		rec.replicas[host] = rep
	}
	if !rep.connected {
		m.logger.Debug("replica connected", "account", accountID, "host", host)
	}
	rep.connected = true
	if at.After(rep.lastHeartbeat) {
		rep.lastHeartbeat = at
	}
	if status != nil {
		rep.connectedToBroker = status.ConnectedToBroker
	}

	resumed := rec.silenced
	rec.connected = true
	rec.silenced = false
	if resumed {
		m.resumes++
	}
	m.mu.Unlock()

	if resumed {
		m.logger.Info("account heartbeats resumed", "account", accountID, "host", host)
		if m.onResumed != nil {
			m.onResumed(accountID)
		}
	}
}

// Disconnected marks one replica disconnected, as reported by the server.
func (m *Monitor) Disconnected(accountID, host string) {
	m.mu.Lock()
	rec, ok := m.accounts[accountID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if rep, ok := rec.replicas[host]; ok {
		rep.connected = false
		rep.connectedToBroker = false
	}
	silent := m.settleLocked(rec)
	m.mu.Unlock()

	if silent {
		m.fireSilent(accountID)
	}
}

// Check marks replicas silent for longer than SilenceThreshold as
// disconnected and reports accounts that lost their last replica.
func (m *Monitor) Check(now time.Time) {
	var silent []string

	m.mu.Lock()
	for id, rec := range m.accounts {
		for _, rep := range rec.replicas {
			if rep.connected && now.Sub(rep.lastHeartbeat) > m.cfg.SilenceThreshold {
				rep.connected = false
				m.logger.Warn("replica silent",
					"account", id,
					"host", rep.host,
					"since", rep.lastHeartbeat,
				)
			}
		}
		if m.settleLocked(rec) {
			silent = append(silent, id)
		}
	}
	m.mu.Unlock()

	sort.Strings(silent)
	for _, id := range silent {
		m.fireSilent(id)
	}
}

// Sample adds one uptime sample per account. An account is up when it is
// connected and its terminal is connected to the broker.
func (m *Monitor) Sample(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.accounts {
		up := rec.connected && rec.brokerConnected()
		for _, w := range rec.windows {
			w.add(now, up)
		}
	}
}

// Connected reports whether any replica of the account is alive.
func (m *Monitor) Connected(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.accounts[accountID]
	return ok && rec.connected
}

// Uptime returns uptime percentages per window name. Windows without
// samples are omitted.
func (m *Monitor) Uptime(accountID string, now time.Time) (map[string]float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.accounts[accountID]
	if !ok {
		return nil, false
	}
	return uptimeLocked(rec, now), true
}

// Report returns the health of every tracked account, ordered by id.
func (m *Monitor) Report(now time.Time) []AccountHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AccountHealth, 0, len(m.accounts))
	for id, rec := range m.accounts {
		h := AccountHealth{
			AccountID:         id,
			Connected:         rec.connected,
			ConnectedToBroker: rec.brokerConnected(),
			LastHeartbeat:     rec.lastHeartbeat(),
			Replicas:          make([]ReplicaHealth, 0, len(rec.replicas)),
			Uptime:            uptimeLocked(rec, now),
		}
		for _, rep := range rec.replicas {
			h.Replicas = append(h.Replicas, ReplicaHealth{
				Host:              rep.host,
				Connected:         rep.connected,
				ConnectedToBroker: rep.connectedToBroker,
				LastHeartbeat:     rep.lastHeartbeat,
			})
		}
		sort.Slice(h.Replicas, func(i, j int) bool { return h.Replicas[i].Host < h.Replicas[j].Host })
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Stats returns current counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Accounts:   len(m.accounts),
		Heartbeats: m.heartbeats,
		Silences:   m.silences,
		Resumes:    m.resumes,
	}
	for _, rec := range m.accounts {
		if rec.connected {
			s.Connected++
		}
	}
	return s
}

func (m *Monitor) recordLocked(accountID string) *record {
	rec, ok := m.accounts[accountID]
	if ok {
		return rec
	}
	rec = &record{
		accountID: accountID,
		replicas:  make(map[string]*replica),
		windows:   make([]*rolling, 0, len(m.cfg.Windows)),
	}
	for _, w := range m.cfg.Windows {
		rec.windows = append(rec.windows, newRolling(w))
	}
	m.accounts[accountID] = rec
	return rec
}

// settleLocked flips a connected account to disconnected once no replica is
// left. It reports whether that happened.
func (m *Monitor) settleLocked(rec *record) bool {
	if !rec.connected || rec.anyReplicaConnected() {
		return false
	}
	rec.connected = false
	rec.silenced = true
	m.silences++
	return true
}

func (m *Monitor) fireSilent(accountID string) {
	m.logger.Warn("account disconnected", "account", accountID)
	if m.onSilent != nil {
		m.onSilent(accountID)
	}
}

func uptimeLocked(rec *record, now time.Time) map[string]float64 {
	out := make(map[string]float64, len(rec.windows))
	for _, w := range rec.windows {
		if pct, ok := w.ratio(now); ok {
			out[w.name] = pct
		}
	}
	return out
}
