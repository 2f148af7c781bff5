package orderer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rickgao/termsync/internal/model"
)

// Errors
var (
	ErrNoAttempt    = errors.New("no active synchronization attempt")
	ErrStaleAttempt = errors.New("packet belongs to a superseded attempt")
	ErrDuplicate    = errors.New("duplicate sequence number")
	ErrStalled      = errors.New("attempt stalled")
)

// StallError reports an attempt abandoned because of an unfilled gap.
type StallError struct {
	AccountID string
	SyncID    string
	Expected  int64 // next sequence the orderer was waiting for
	Actual    int64 // lowest buffered sequence
	Buffered  int
	Waited    time.Duration
	Reason    string
}

func (e *StallError) Error() string {
	return fmt.Sprintf("attempt %s of account %s stalled (%s): expected %d, got %d, %d buffered, waited %s",
		e.SyncID, e.AccountID, e.Reason, e.Expected, e.Actual, e.Buffered, e.Waited)
}

func (e *StallError) Unwrap() error { return ErrStalled }

// Config configures an Orderer.
type Config struct {
	GapTimeout        time.Duration // Max wait for a missing sequence number
	WaitListSizeLimit int           // Max buffered out-of-order packets
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		GapTimeout:        time.Minute,
		WaitListSizeLimit: 100,
	}
}

// Stats contains orderer counters.
type Stats struct {
	Accepted   int64
	Released   int64
	Duplicates int64
	Stale      int64
	Stalls     int64
	Buffered   int
}

type held struct {
	packet     model.Packet
	receivedAt time.Time
}

// Orderer releases the sequenced packets of one account in order.
//
// It tracks a single attempt at a time and is owned by the account pipeline;
// it is not safe for concurrent use.
type Orderer struct {
	cfg       Config
	logger    *slog.Logger
	accountID string

	syncID   string
	seeded   bool
	expected int64
	stalled  bool
	waiting  map[int64]held

	stats Stats
}

// New creates an Orderer for one account.
func New(accountID string, cfg Config, logger *slog.Logger) *Orderer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = DefaultConfig().GapTimeout
	}
	if cfg.WaitListSizeLimit <= 0 {
		cfg.WaitListSizeLimit = DefaultConfig().WaitListSizeLimit
	}

	return &Orderer{
		cfg:       cfg,
		logger:    logger.With("account", accountID),
		accountID: accountID,
		waiting:   make(map[int64]held),
	}
}

// Start begins a new attempt. Everything buffered for the previous one is dropped.
func (o *Orderer) Start(syncID string) {
	if n := len(o.waiting); n > 0 {
		o.logger.Debug("dropping buffered packets of previous attempt",
			"sync_id", o.syncID,
			"count", n,
		)
	}
	o.syncID = syncID
	o.seeded = false
	o.expected = 0
	o.stalled = false
	o.waiting = make(map[int64]held)
}

// Reset forgets the current attempt.
func (o *Orderer) Reset() {
	o.Start("")
}

// SyncID returns the current attempt id.
func (o *Orderer) SyncID() string {
	return o.syncID
}

// Expected returns the next sequence number awaited, or 0 before the attempt is seeded.
func (o *Orderer) Expected() int64 {
	return o.expected
}

// Stats returns a copy of the counters.
func (o *Orderer) Stats() Stats {
	s := o.stats
	s.Buffered = len(o.waiting)
	return s
}

// Accept takes one packet and returns the packets now deliverable, in order.
//
// Unsequenced packets are returned immediately. The attempt's
// synchronizationStarted packet seeds the expected sequence; sequenced
// packets seen before it are held. Packets of any other attempt are dropped
// without touching the sequence.
func (o *Orderer) Accept(p model.Packet, now time.Time) ([]model.Packet, error) {
	o.stats.Accepted++

	stale := p.SyncID != "" && p.SyncID != o.syncID

	if !p.Sequenced() {
		if stale && o.syncID != "" {
			o.stats.Stale++
			return nil, ErrStaleAttempt
		}
		o.stats.Released++
		return []model.Packet{p}, nil
	}

	if o.syncID == "" {
		return nil, ErrNoAttempt
	}
	if o.stalled {
		return nil, ErrStalled
	}

	seq := p.Seq()

	if stale {
		o.stats.Stale++
		return nil, ErrStaleAttempt
	}

	if !o.seeded {
		if p.Type == model.PacketSynchronizationStarted {
			o.seed(seq)
		}
	} else if seq < o.expected {
		o.stats.Duplicates++
		return nil, ErrDuplicate
	}

	if _, dup := o.waiting[seq]; dup {
		o.stats.Duplicates++
		return nil, ErrDuplicate
	}
	o.waiting[seq] = held{packet: p, receivedAt: now}

	if len(o.waiting) > o.cfg.WaitListSizeLimit {
		return nil, o.stall(now, "wait list limit exceeded")
	}

	return o.release(), nil
}

// CheckGap stalls the attempt when a buffered packet has waited longer than
// the gap timeout. It returns nil while the attempt is healthy.
func (o *Orderer) CheckGap(now time.Time) *StallError {
	if o.stalled || len(o.waiting) == 0 {
		return nil
	}
	if now.Sub(o.oldest()) <= o.cfg.GapTimeout {
		return nil
	}
	return o.stall(now, "gap timeout")
}

// seed sets the first expected sequence and drops held packets below it.
func (o *Orderer) seed(seq int64) {
	o.seeded = true
	o.expected = seq
	for s := range o.waiting {
		if s < seq {
			delete(o.waiting, s)
			o.stats.Duplicates++
		}
	}
}

// release pops the contiguous run starting at expected.
func (o *Orderer) release() []model.Packet {
	if !o.seeded {
		return nil
	}

	var out []model.Packet
	for {
		w, ok := o.waiting[o.expected]
		if !ok {
			break
		}
		delete(o.waiting, o.expected)
		o.expected++
		if w.packet.Type == model.PacketNoop {
			continue
		}
		out = append(out, w.packet)
	}
	o.stats.Released += int64(len(out))
	return out
}

func (o *Orderer) oldest() time.Time {
	var t time.Time
	for _, w := range o.waiting {
		if t.IsZero() || w.receivedAt.Before(t) {
			t = w.receivedAt
		}
	}
	return t
}

// stall abandons the attempt and clears the wait list.
func (o *Orderer) stall(now time.Time, reason string) *StallError {
	seqs := make([]int64, 0, len(o.waiting))
	for s := range o.waiting {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	err := &StallError{
		AccountID: o.accountID,
		SyncID:    o.syncID,
		Expected:  o.expected,
		Buffered:  len(seqs),
		Waited:    now.Sub(o.oldest()),
		Reason:    reason,
	}
	if len(seqs) > 0 {
		err.Actual = seqs[0]
	}

	o.logger.Warn("synchronization attempt stalled",
		"sync_id", o.syncID,
		"expected", err.Expected,
		"got", err.Actual,
		"buffered", err.Buffered,
		"reason", reason,
	)

	o.stalled = true
	o.stats.Stalls++
	o.waiting = make(map[int64]held)
	return err
}
