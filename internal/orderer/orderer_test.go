package orderer

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func pkt(typ model.PacketType, syncID string, seq int64) model.Packet {
	return model.Packet{
		Type:      typ,
		AccountID: "acc-1",
		SyncID:    syncID,
		Sequence:  model.SeqPtr(seq),
	}
}

func seqs(packets []model.Packet) []int64 {
	out := make([]int64, 0, len(packets))
	for _, p := range packets {
		out = append(out, p.Seq())
	}
	return out
}

func newStarted(t *testing.T, cfg Config) *Orderer {
	t.Helper()
	o := New("acc-1", cfg, nil)
	o.Start("sync-1")
	out, err := o.Accept(pkt(model.PacketSynchronizationStarted, "sync-1", 1), t0)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, seqs(out))
	return o
}

func TestOrderer_InOrderDelivery(t *testing.T) {
	o := newStarted(t, DefaultConfig())

	for seq := int64(2); seq <= 5; seq++ {
		out, err := o.Accept(pkt(model.PacketPositions, "sync-1", seq), t0)
		require.NoError(t, err)
		assert.Equal(t, []int64{seq}, seqs(out))
	}
	assert.Equal(t, int64(6), o.Expected())
}

func TestOrderer_OutOfOrderIsHeld(t *testing.T) {
	o := newStarted(t, DefaultConfig())

	out, err := o.Accept(pkt(model.PacketPositions, "sync-1", 2), t0)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, seqs(out))

	out, err = o.Accept(pkt(model.PacketOrders, "sync-1", 4), t0)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, o.Stats().Buffered)

	out, err = o.Accept(pkt(model.PacketDeals, "sync-1", 3), t0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, seqs(out))
	assert.Equal(t, 0, o.Stats().Buffered)
}

func TestOrderer_DuplicatesDropped(t *testing.T) {
	o := newStarted(t, DefaultConfig())

	_, err := o.Accept(pkt(model.PacketPositions, "sync-1", 2), t0)
	require.NoError(t, err)

	out, err := o.Accept(pkt(model.PacketPositions, "sync-1", 2), t0)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Empty(t, out)

	out, err = o.Accept(pkt(model.PacketPositions, "sync-1", 1), t0)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Empty(t, out)

	// Duplicate of a held packet.
	_, err = o.Accept(pkt(model.PacketOrders, "sync-1", 5), t0)
	require.NoError(t, err)
	_, err = o.Accept(pkt(model.PacketOrders, "sync-1", 5), t0)
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.Equal(t, int64(3), o.Stats().Duplicates)
}

func TestOrderer_UnsequencedBypassesOrdering(t *testing.T) {
	o := newStarted(t, DefaultConfig())

	_, err := o.Accept(pkt(model.PacketPositions, "sync-1", 3), t0)
	require.NoError(t, err)

	price := model.Packet{Type: model.PacketPrices, AccountID: "acc-1"}
	out, err := o.Accept(price, t0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.PacketPrices, out[0].Type)
}

func TestOrderer_HeldUntilSeeded(t *testing.T) {
	o := New("acc-1", DefaultConfig(), nil)
	o.Start("sync-1")

	// Arrives before the attempt start packet.
	out, err := o.Accept(pkt(model.PacketSpecifications, "sync-1", 11), t0)
	require.NoError(t, err)
	assert.Empty(t, out)

	// Left over from the previous stream, dropped when seeding.
	out, err = o.Accept(pkt(model.PacketUpdate, "", 7), t0)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = o.Accept(pkt(model.PacketSynchronizationStarted, "sync-1", 10), t0)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, seqs(out))
	assert.Equal(t, 0, o.Stats().Buffered)
}

func TestOrderer_StaleAttemptDiscarded(t *testing.T) {
	o := newStarted(t, DefaultConfig())

	// Unsequenced packet of an old attempt.
	old := model.Packet{Type: model.PacketDealSynchronizationFinished, AccountID: "acc-1", SyncID: "sync-0"}
	out, err := o.Accept(old, t0)
	assert.ErrorIs(t, err, ErrStaleAttempt)
	assert.Empty(t, out)

	// A sequenced stale packet does not take the slot.
	out, err = o.Accept(pkt(model.PacketPositions, "sync-0", 2), t0)
	assert.ErrorIs(t, err, ErrStaleAttempt)
	assert.Empty(t, out)
	assert.Equal(t, int64(2), o.Expected())
	assert.Equal(t, 0, o.Stats().Buffered)

	out, err = o.Accept(pkt(model.PacketOrders, "sync-1", 2), t0)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, seqs(out))
	assert.Equal(t, int64(2), o.Stats().Stale)
}

func TestOrderer_LateOldAttemptPacketsAfterRestart(t *testing.T) {
	o := New("acc-1", DefaultConfig(), nil)
	o.Start("sync-a")

	for _, seq := range []int64{1, 2, 4} {
		typ := model.PacketPositions
		if seq == 1 {
			typ = model.PacketSynchronizationStarted
		}
		_, err := o.Accept(pkt(typ, "sync-a", seq), t0)
		require.NoError(t, err)
	}

	o.Start("sync-b")
	out, err := o.Accept(pkt(model.PacketSynchronizationStarted, "sync-b", 1), t0)
	require.NoError(t, err)
	applied := seqs(out)

	// Packets 4 and 5 of the abandoned attempt arrive after the restart.
	for _, seq := range []int64{4, 5} {
		out, err := o.Accept(pkt(model.PacketOrders, "sync-a", seq), t0)
		assert.ErrorIs(t, err, ErrStaleAttempt)
		assert.Empty(t, out)
	}

	for seq := int64(2); seq <= 6; seq++ {
		out, err := o.Accept(pkt(model.PacketOrders, "sync-b", seq), t0)
		require.NoError(t, err, "seq %d", seq)
		for _, p := range out {
			assert.Equal(t, "sync-b", p.SyncID)
		}
		applied = append(applied, seqs(out)...)
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, applied)
	assert.Equal(t, int64(2), o.Stats().Stale)
	assert.Equal(t, int64(0), o.Stats().Duplicates)
}

func TestOrderer_ShuffledWithSupersededAttempt(t *testing.T) {
	const start, end = 5, 40
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		o := New("acc-1", DefaultConfig(), nil)
		o.Start("sync-new")

		var input []model.Packet
		for seq := int64(start); seq <= end; seq++ {
			typ := model.PacketDeals
			if seq == start {
				typ = model.PacketSynchronizationStarted
			}
			input = append(input, pkt(typ, "sync-new", seq))
		}
		// Leftovers of the superseded attempt, overlapping the new range.
		for i := 0; i < 15; i++ {
			input = append(input, pkt(model.PacketPositions, "sync-old", int64(start+rng.Intn(end-start+3))))
		}
		input = append(input, model.Packet{Type: model.PacketOrderSynchronizationFinished, AccountID: "acc-1", SyncID: "sync-old"})
		rng.Shuffle(len(input), func(i, j int) { input[i], input[j] = input[j], input[i] })

		var applied []int64
		for _, p := range input {
			out, err := o.Accept(p, t0)
			if p.SyncID == "sync-old" {
				require.ErrorIs(t, err, ErrStaleAttempt)
				require.Empty(t, out)
				continue
			}
			require.NoError(t, err)
			for _, r := range out {
				require.Equal(t, "sync-new", r.SyncID)
			}
			applied = append(applied, seqs(out)...)
		}

		want := make([]int64, 0, end-start+1)
		for seq := int64(start); seq <= end; seq++ {
			want = append(want, seq)
		}
		require.Equal(t, want, applied, "round %d", round)
		require.Equal(t, 0, o.Stats().Buffered)
	}
}

func TestOrderer_NoAttempt(t *testing.T) {
	o := New("acc-1", DefaultConfig(), nil)

	_, err := o.Accept(pkt(model.PacketPositions, "", 1), t0)
	assert.ErrorIs(t, err, ErrNoAttempt)
}

func TestOrderer_GapTimeoutStalls(t *testing.T) {
	cfg := Config{GapTimeout: time.Minute, WaitListSizeLimit: 100}
	o := newStarted(t, cfg)

	_, err := o.Accept(pkt(model.PacketPositions, "sync-1", 2), t0)
	require.NoError(t, err)
	out, err := o.Accept(pkt(model.PacketOrders, "sync-1", 4), t0)
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = o.Accept(pkt(model.PacketDeals, "sync-1", 5), t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.Nil(t, o.CheckGap(t0.Add(30*time.Second)))

	stall := o.CheckGap(t0.Add(61 * time.Second))
	require.NotNil(t, stall)
	assert.Equal(t, int64(3), stall.Expected)
	assert.Equal(t, int64(4), stall.Actual)
	assert.Equal(t, 2, stall.Buffered)
	assert.True(t, errors.Is(stall, ErrStalled))

	// Everything of a stalled attempt is discarded.
	_, err = o.Accept(pkt(model.PacketDeals, "sync-1", 3), t0.Add(62*time.Second))
	assert.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, int64(1), o.Stats().Stalls)
	assert.Equal(t, 0, o.Stats().Buffered)

	// A new attempt starts clean.
	o.Start("sync-2")
	out, err = o.Accept(pkt(model.PacketSynchronizationStarted, "sync-2", 20), t0.Add(63*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int64{20}, seqs(out))
}

func TestOrderer_WaitListLimitStalls(t *testing.T) {
	o := newStarted(t, Config{GapTimeout: time.Hour, WaitListSizeLimit: 3})

	for seq := int64(10); seq < 13; seq++ {
		_, err := o.Accept(pkt(model.PacketDeals, "sync-1", seq), t0)
		require.NoError(t, err)
	}

	_, err := o.Accept(pkt(model.PacketDeals, "sync-1", 13), t0)
	var stall *StallError
	require.ErrorAs(t, err, &stall)
	assert.Equal(t, "wait list limit exceeded", stall.Reason)
	assert.Equal(t, int64(10), stall.Actual)
}

func TestOrderer_StartDropsPreviousAttempt(t *testing.T) {
	o := newStarted(t, DefaultConfig())

	_, err := o.Accept(pkt(model.PacketOrders, "sync-1", 5), t0)
	require.NoError(t, err)
	require.Equal(t, 1, o.Stats().Buffered)

	o.Start("sync-2")
	assert.Equal(t, "sync-2", o.SyncID())
	assert.Equal(t, 0, o.Stats().Buffered)
	assert.Equal(t, int64(0), o.Expected())
}
