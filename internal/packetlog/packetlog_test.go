package packetlog

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/model"
)

func newTestLogger(t *testing.T) (*Logger, *time.Time) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = filepath.Join(t.TempDir(), "packets")
	l := New(cfg, nil)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func prices(seq int64) (model.Packet, []byte) {
	p := model.Packet{Type: model.PacketPrices, AccountID: "acc", Sequence: model.SeqPtr(seq)}
	raw := []byte(`{"type":"prices","accountId":"acc","sequenceNumber":` + strconv.FormatInt(seq, 10) + `}`)
	return p, raw
}

func messages(t *testing.T, l *Logger) []string {
	t.Helper()
	entries, err := l.Read("acc", time.Time{}, time.Time{})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func TestLogger_SkipsStatus(t *testing.T) {
	l, _ := newTestLogger(t)
	defer l.Close()

	l.Log(model.Packet{Type: model.PacketStatus, AccountID: "acc"}, []byte(`{"type":"status"}`))

	_, err := os.Stat(l.path("acc"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, messages(t, l))
}

func TestLogger_CompressesSpecifications(t *testing.T) {
	l, _ := newTestLogger(t)
	defer l.Close()

	l.Log(model.Packet{Type: model.PacketSpecifications, AccountID: "acc", Sequence: model.SeqPtr(4)},
		[]byte(`{"type":"specifications","accountId":"acc","sequenceNumber":4,"specifications":[{"symbol":"EURUSD"}]}`))

	assert.Equal(t, []string{`{"type":"specifications","sequenceNumber":4}`}, messages(t, l))
}

func TestLogger_CollapsesPriceRuns(t *testing.T) {
	l, _ := newTestLogger(t)
	defer l.Close()

	for _, seq := range []int64{10, 11, 12} {
		p, raw := prices(seq)
		l.Log(p, raw)
	}
	l.Log(model.Packet{Type: model.PacketUpdate, AccountID: "acc", Sequence: model.SeqPtr(13)},
		[]byte(`{"type":"update","sequenceNumber":13}`))

	assert.Equal(t, []string{
		`{"type":"prices","accountId":"acc","sequenceNumber":10}`,
		`{"type":"prices","accountId":"acc","sequenceNumber":12}`,
		`Recorded price packets 10-12`,
		`{"type":"update","sequenceNumber":13}`,
	}, messages(t, l))
}

func TestLogger_PriceRunBreaksOnGap(t *testing.T) {
	l, _ := newTestLogger(t)

	for _, seq := range []int64{10, 15} {
		p, raw := prices(seq)
		l.Log(p, raw)
	}
	require.NoError(t, l.Close())

	// Single-packet runs add nothing when recorded
	assert.Equal(t, []string{
		`{"type":"prices","accountId":"acc","sequenceNumber":10}`,
		`{"type":"prices","accountId":"acc","sequenceNumber":15}`,
	}, messages(t, l))
}

func TestLogger_UncompressedPrices(t *testing.T) {
	l, _ := newTestLogger(t)
	l.cfg.CompressPrices = false
	defer l.Close()

	for _, seq := range []int64{1, 2} {
		p, raw := prices(seq)
		l.Log(p, raw)
	}
	assert.Len(t, messages(t, l), 2)
}

func TestLogger_ReadBounds(t *testing.T) {
	l, now := newTestLogger(t)
	defer l.Close()

	start := *now
	for i := 0; i < 3; i++ {
		l.Log(model.Packet{Type: model.PacketAuthenticated, AccountID: "acc"}, []byte(`{"type":"authenticated"}`))
		*now = now.Add(time.Minute)
	}

	entries, err := l.Read("acc", start, start.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].At.Equal(start.Add(time.Minute)))

	none, err := l.Read("missing", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLogger_AfterClose(t *testing.T) {
	l, _ := newTestLogger(t)
	require.NoError(t, l.Close())

	l.Log(model.Packet{Type: model.PacketAuthenticated, AccountID: "acc"}, []byte(`{}`))
	assert.Empty(t, messages(t, l))
}
