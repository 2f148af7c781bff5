// Package packetlog records synchronization packets into per-account
// rotating log files.
//
// Status packets are skipped. Specification packets are reduced to their
// type and sequence number. Consecutive price packets collapse into the
// first and last packet of the run plus a summary line.
package packetlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rickgao/termsync/internal/model"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Config configures a Logger.
type Config struct {
	Dir                    string
	MaxSizeMB              int
	MaxBackups             int
	MaxAgeDays             int
	Compress               bool // gzip rotated files
	CompressSpecifications bool
	CompressPrices         bool
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Dir:                    "packets",
		MaxSizeMB:              100,
		MaxBackups:             12,
		MaxAgeDays:             2,
		CompressSpecifications: true,
		CompressPrices:         true,
	}
}

// Entry is one logged line.
type Entry struct {
	At      time.Time
	Message string
}

// priceRun is a series of consecutive price packets.
type priceRun struct {
	firstSeq int64
	lastSeq  int64
	last     []byte
}

// Logger writes packets to <Dir>/<accountID>.log.
type Logger struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	files  map[string]*lumberjack.Logger
	prices map[string]*priceRun
	closed bool

	now func() time.Time
}

// New creates a Logger. The directory is created on first write.
func New(cfg Config, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		cfg:    cfg,
		logger: logger,
		files:  make(map[string]*lumberjack.Logger),
		prices: make(map[string]*priceRun),
		now:    time.Now,
	}
}

// Log records one packet. raw is the packet as received.
func (l *Logger) Log(p model.Packet, raw []byte) {
	if p.Type == model.PacketStatus {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	run := l.prices[p.AccountID]

	if p.Type != model.PacketPrices {
		if run != nil {
			l.recordRunLocked(p.AccountID, run)
		}
		if p.Type == model.PacketSpecifications && l.cfg.CompressSpecifications {
			l.writeLocked(p.AccountID, compactSpecifications(p))
			return
		}
		l.writeLocked(p.AccountID, string(raw))
		return
	}

	if !l.cfg.CompressPrices {
		l.writeLocked(p.AccountID, string(raw))
		return
	}

	if run != nil {
		seq := p.Seq()
		if p.Sequenced() && (seq == run.lastSeq || seq == run.lastSeq+1) {
			run.lastSeq = seq
			run.last = append(run.last[:0], raw...)
			return
		}
		l.recordRunLocked(p.AccountID, run)
	}
	if p.Sequenced() {
		l.prices[p.AccountID] = &priceRun{
			firstSeq: p.Seq(),
			lastSeq:  p.Seq(),
			last:     append([]byte(nil), raw...),
		}
	}
	l.writeLocked(p.AccountID, string(raw))
}

// Flush records any pending price run.
func (l *Logger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, run := range l.prices {
		l.recordRunLocked(id, run)
	}
}

// Close flushes pending runs and closes every file.
func (l *Logger) Close() error {
	l.Flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true

	var errs []error
	for id, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	l.files = make(map[string]*lumberjack.Logger)
	return errors.Join(errs...)
}

// Read returns the entries of an account's current log file logged after
// `after` and before `before`. Zero bounds are ignored.
func (l *Logger) Read(accountID string, after, before time.Time) ([]Entry, error) {
	f, err := os.Open(l.path(accountID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		e, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if !after.IsZero() && !e.At.After(after) {
			continue
		}
		if !before.IsZero() && !e.At.Before(before) {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func (l *Logger) path(accountID string) string {
	return filepath.Join(l.cfg.Dir, accountID+".log")
}

func (l *Logger) recordRunLocked(accountID string, run *priceRun) {
	delete(l.prices, accountID)
	if run.firstSeq != run.lastSeq {
		l.writeLocked(accountID, string(run.last))
		l.writeLocked(accountID, fmt.Sprintf("Recorded price packets %d-%d", run.firstSeq, run.lastSeq))
	}
}

func (l *Logger) writeLocked(accountID, msg string) {
	f, ok := l.files[accountID]
	if !ok {
		if err := os.MkdirAll(l.cfg.Dir, 0755); err != nil {
			l.logger.Warn("failed to create packet log dir", "dir", l.cfg.Dir, "error", err)
			return
		}
		f = &lumberjack.Logger{
			Filename:   l.path(accountID),
			MaxSize:    l.cfg.MaxSizeMB,
			MaxBackups: l.cfg.MaxBackups,
			MaxAge:     l.cfg.MaxAgeDays,
			Compress:   l.cfg.Compress,
		}
		l.files[accountID] = f
	}

	line := "[" + l.now().UTC().Format(timeLayout) + "] " + strings.ReplaceAll(msg, "\n", " ") + "\n"
	if _, err := f.Write([]byte(line)); err != nil {
		l.logger.Warn("failed to write packet log", "account", accountID, "error", err)
	}
}

func compactSpecifications(p model.Packet) string {
	compact := struct {
		Type           model.PacketType `json:"type"`
		SequenceNumber *int64           `json:"sequenceNumber"`
	}{p.Type, p.Sequence}
	data, _ := json.Marshal(compact)
	return string(data)
}

func parseLine(line string) (Entry, bool) {
	if len(line) < len(timeLayout)+3 || line[0] != '[' {
		return Entry{}, false
	}
	at, err := time.Parse(timeLayout, line[1:1+len(timeLayout)])
	if err != nil {
		return Entry{}, false
	}
	return Entry{At: at, Message: line[len(timeLayout)+3:]}, true
}
