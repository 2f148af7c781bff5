package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/termsync/internal/connection"
	"github.com/rickgao/termsync/internal/dispatch"
	"github.com/rickgao/termsync/internal/health"
	"github.com/rickgao/termsync/internal/router"
	"github.com/rickgao/termsync/internal/subscription"
	"github.com/rickgao/termsync/internal/throttle"
	"github.com/rickgao/termsync/internal/writer"
)

const namespace = "termsync"

// Sources supplies component statistics. Nil sources are skipped.
type Sources struct {
	Subscriptions func() subscription.Stats
	Throttler     func() throttle.Stats
	Dispatcher    func() dispatch.Stats
	Health        func() health.Stats
	Gateway       func() connection.GatewayStats
	Router        func() router.RouterStats
	Uptime        func() writer.WriterMetrics
}

// snapshot holds one reading of every source.
type snapshot struct {
	sub      *subscription.Stats
	throttle *throttle.Stats
	dispatch *dispatch.Stats
	health   *health.Stats
	gateway  *connection.GatewayStats
	router   *router.RouterStats
	uptime   *writer.WriterMetrics
}

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(s *snapshot) (float64, bool)
}

// Collector reads component statistics on every scrape.
type Collector struct {
	src     Sources
	metrics []metric

	accountsByState *prometheus.Desc
	resyncs         *prometheus.Desc
}

// NewCollector creates a Collector over src.
func NewCollector(src Sources) *Collector {
	c := &Collector{
		src: src,
		accountsByState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "accounts"),
			"Subscribed accounts by subscription state.",
			[]string{"state"}, nil,
		),
		resyncs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "resyncs_total"),
			"Synchronization attempts started, by reason.",
			[]string{"reason"}, nil,
		),
	}

	counter := func(name, help string, v func(*snapshot) (float64, bool)) {
		c.add(name, help, prometheus.CounterValue, v)
	}
	gauge := func(name, help string, v func(*snapshot) (float64, bool)) {
		c.add(name, help, prometheus.GaugeValue, v)
	}

	sub := func(f func(subscription.Stats) int64) func(*snapshot) (float64, bool) {
		return func(s *snapshot) (float64, bool) {
			if s.sub == nil {
				return 0, false
			}
			return float64(f(*s.sub)), true
		}
	}
	thr := func(f func(throttle.Stats) int64) func(*snapshot) (float64, bool) {
		return func(s *snapshot) (float64, bool) {
			if s.throttle == nil {
				return 0, false
			}
			return float64(f(*s.throttle)), true
		}
	}
	dsp := func(f func(dispatch.Stats) int64) func(*snapshot) (float64, bool) {
		return func(s *snapshot) (float64, bool) {
			if s.dispatch == nil {
				return 0, false
			}
			return float64(f(*s.dispatch)), true
		}
	}
	hlt := func(f func(health.Stats) int64) func(*snapshot) (float64, bool) {
		return func(s *snapshot) (float64, bool) {
			if s.health == nil {
				return 0, false
			}
			return float64(f(*s.health)), true
		}
	}
	gw := func(f func(connection.GatewayStats) int64) func(*snapshot) (float64, bool) {
		return func(s *snapshot) (float64, bool) {
			if s.gateway == nil {
				return 0, false
			}
			return float64(f(*s.gateway)), true
		}
	}
	rt := func(f func(router.RouterStats) int64) func(*snapshot) (float64, bool) {
		return func(s *snapshot) (float64, bool) {
			if s.router == nil {
				return 0, false
			}
			return float64(f(*s.router)), true
		}
	}
	up := func(f func(writer.WriterMetrics) int64) func(*snapshot) (float64, bool) {
		return func(s *snapshot) (float64, bool) {
			if s.uptime == nil {
				return 0, false
			}
			return float64(f(*s.uptime)), true
		}
	}

	// Subscription manager
	counter("packets_received_total", "Packets handed to the subscription manager.", sub(func(s subscription.Stats) int64 { return s.Packets }))
	counter("packets_applied_total", "Packets applied to terminal state.", sub(func(s subscription.Stats) int64 { return s.Applied }))
	counter("packets_duplicate_total", "Sequenced packets dropped as duplicates.", sub(func(s subscription.Stats) int64 { return s.Duplicates }))
	counter("packets_stale_total", "Packets dropped for belonging to a superseded attempt.", sub(func(s subscription.Stats) int64 { return s.Stale }))
	counter("packets_unknown_account_total", "Packets for accounts that are not subscribed.", sub(func(s subscription.Stats) int64 { return s.Unknown }))
	counter("gap_stalls_total", "Sequence gaps that outlived the gap timeout or overflowed the wait list.", sub(func(s subscription.Stats) int64 { return s.Stalls }))
	counter("data_errors_total", "Packets carrying records that could not be applied.", sub(func(s subscription.Stats) int64 { return s.DataErrors }))
	counter("sync_attempts_total", "Synchronization attempts started.", sub(func(s subscription.Stats) int64 { return s.Attempts }))
	counter("sync_failures_total", "Synchronization attempts that exhausted their retries.", sub(func(s subscription.Stats) int64 { return s.SyncFailures }))
	gauge("command_queue_depth", "Commands waiting in account queues.", sub(func(s subscription.Stats) int64 { return int64(s.Commands.Len) }))
	gauge("command_queue_capacity", "Allocated slots across account queues.", sub(func(s subscription.Stats) int64 { return int64(s.Commands.Capacity) }))

	// Throttler
	gauge("sync_slots", "Current synchronization concurrency cap.", thr(func(s throttle.Stats) int64 { return int64(s.Cap) }))
	gauge("sync_active", "Synchronizations holding a slot.", thr(func(s throttle.Stats) int64 { return int64(s.Active) }))
	gauge("sync_queued", "Synchronizations waiting for a slot.", thr(func(s throttle.Stats) int64 { return int64(s.Queued) }))
	counter("sync_admitted_total", "Synchronizations admitted to a slot.", thr(func(s throttle.Stats) int64 { return s.Admitted }))
	counter("sync_completed_total", "Synchronizations that released their slot on completion.", thr(func(s throttle.Stats) int64 { return s.Completed }))
	counter("sync_superseded_total", "Synchronizations replaced by a newer attempt.", thr(func(s throttle.Stats) int64 { return s.Superseded }))
	counter("sync_slot_timeouts_total", "Slots freed after an attempt stopped making progress.", thr(func(s throttle.Stats) int64 { return s.TimedOut }))
	counter("sync_request_retries_total", "Synchronize request retries.", thr(func(s throttle.Stats) int64 { return s.Retries }))

	// Dispatcher
	counter("events_dispatched_total", "Events accepted for delivery.", dsp(func(s dispatch.Stats) int64 { return s.Dispatched }))
	counter("events_delivered_total", "Listener invocations that returned normally.", dsp(func(s dispatch.Stats) int64 { return s.Delivered }))
	counter("listener_errors_total", "Listener invocations that returned an error or panicked.", dsp(func(s dispatch.Stats) int64 { return s.ListenerErrors }))
	counter("listener_panics_total", "Listener invocations that panicked.", dsp(func(s dispatch.Stats) int64 { return s.Panics }))
	counter("slow_listeners_total", "Listener invocations slower than the warning threshold.", dsp(func(s dispatch.Stats) int64 { return s.SlowListeners }))
	gauge("dispatch_lanes", "Accounts with a delivery lane.", dsp(func(s dispatch.Stats) int64 { return int64(s.Lanes) }))
	gauge("dispatch_backlog", "Events waiting in delivery lanes.", dsp(func(s dispatch.Stats) int64 { return int64(s.Backlog.Len) }))
	gauge("dispatch_backlog_capacity", "Allocated slots across delivery lanes.", dsp(func(s dispatch.Stats) int64 { return int64(s.Backlog.Capacity) }))
	gauge("dispatch_backlog_grows", "Lane buffer growths across live lanes.", dsp(func(s dispatch.Stats) int64 { return int64(s.Backlog.Grows) }))

	// Health
	gauge("accounts_connected", "Accounts with at least one live replica.", hlt(func(s health.Stats) int64 { return int64(s.Connected) }))
	counter("heartbeats_total", "Status heartbeats received.", hlt(func(s health.Stats) int64 { return s.Heartbeats }))
	counter("heartbeat_silences_total", "Accounts that went silent.", hlt(func(s health.Stats) int64 { return s.Silences }))

	// Gateway
	gauge("gateway_sockets", "Open gateway sockets.", gw(func(s connection.GatewayStats) int64 { return int64(s.Sockets) }))
	gauge("gateway_sockets_connected", "Connected gateway sockets.", gw(func(s connection.GatewayStats) int64 { return int64(s.Connected) }))
	counter("gateway_requests_total", "Requests sent to the gateway.", gw(func(s connection.GatewayStats) int64 { return s.Requests }))
	counter("gateway_request_timeouts_total", "Requests without a reply in time.", gw(func(s connection.GatewayStats) int64 { return s.Timeouts }))
	counter("gateway_processing_errors_total", "Requests rejected by the gateway.", gw(func(s connection.GatewayStats) int64 { return s.ProcessingErrors }))
	counter("gateway_reconnects_total", "Socket reconnects.", gw(func(s connection.GatewayStats) int64 { return s.Reconnects }))
	counter("gateway_frames_dropped_total", "Frames dropped on a full client buffer.", gw(func(s connection.GatewayStats) int64 { return s.Dropped }))

	// Router
	counter("router_parse_errors_total", "Payloads that could not be decoded.", rt(func(s router.RouterStats) int64 { return s.ParseErrors }))
	counter("router_unsubscribes_total", "Unsubscribe requests for stray accounts.", rt(func(s router.RouterStats) int64 { return s.Unsubscribes }))

	// Uptime writer
	counter("uptime_rows_inserted_total", "Uptime rows written.", up(func(s writer.WriterMetrics) int64 { return s.Inserts }))
	counter("uptime_write_errors_total", "Failed uptime batch writes.", up(func(s writer.WriterMetrics) int64 { return s.Errors }))

	return c
}

func (c *Collector) add(name, help string, kind prometheus.ValueType, value func(*snapshot) (float64, bool)) {
	c.metrics = append(c.metrics, metric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		kind:  kind,
		value: value,
	})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
	ch <- c.accountsByState
	ch <- c.resyncs
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.read()

	for _, m := range c.metrics {
		if v, ok := m.value(s); ok {
			ch <- prometheus.MustNewConstMetric(m.desc, m.kind, v)
		}
	}

	if s.sub == nil {
		return
	}
	for state, n := range s.sub.ByState {
		ch <- prometheus.MustNewConstMetric(c.accountsByState, prometheus.GaugeValue, float64(n), string(state))
	}
	reasons := make([]string, 0, len(s.sub.Resyncs))
	for r := range s.sub.Resyncs {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		ch <- prometheus.MustNewConstMetric(c.resyncs, prometheus.CounterValue, float64(s.sub.Resyncs[r]), r)
	}
}

func (c *Collector) read() *snapshot {
	s := &snapshot{}
	if c.src.Subscriptions != nil {
		v := c.src.Subscriptions()
		s.sub = &v
	}
	if c.src.Throttler != nil {
		v := c.src.Throttler()
		s.throttle = &v
	}
	if c.src.Dispatcher != nil {
		v := c.src.Dispatcher()
		s.dispatch = &v
	}
	if c.src.Health != nil {
		v := c.src.Health()
		s.health = &v
	}
	if c.src.Gateway != nil {
		v := c.src.Gateway()
		s.gateway = &v
	}
	if c.src.Router != nil {
		v := c.src.Router()
		s.router = &v
	}
	if c.src.Uptime != nil {
		v := c.src.Uptime()
		s.uptime = &v
	}
	return s
}

// NewRegistry returns a registry with the engine collector and the
// standard Go and process collectors.
func NewRegistry(src Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
