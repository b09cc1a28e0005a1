package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const FileName = "metrics.json"

// CheckRecord summarizes one finished email uniqueness check.
type CheckRecord struct {
	Email    string `json:"email"`
	Taken    bool   `json:"taken"`
	Replies  int    `json:"replies"`
	Expected int    `json:"expected"`
	TimedOut bool   `json:"timed_out"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Chat         ChatMetrics       `json:"chat"`
	Checks       CheckMetrics      `json:"checks"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	CurrentPeers int64             `json:"current_peers"`
	Recent       []CheckRecord     `json:"recent_checks"`
}

type ChatMetrics struct {
	SentBroadcast     uint64 `json:"sent_broadcast"`
	SentPrivate       uint64 `json:"sent_private"`
	RecvBroadcast     uint64 `json:"recv_broadcast"`
	RecvPrivate       uint64 `json:"recv_private"`
	InvalidSignatures uint64 `json:"invalid_signatures"`
}

type CheckMetrics struct {
	Resolved uint64 `json:"resolved"`
	Timeouts uint64 `json:"timeouts"`
}

type Metrics struct {
	sentBroadcast     atomic.Uint64
	sentPrivate       atomic.Uint64
	recvBroadcast     atomic.Uint64
	recvPrivate       atomic.Uint64
	invalidSignatures atomic.Uint64
	checksResolved    atomic.Uint64
	checkTimeouts     atomic.Uint64
	currentPeers      atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
	recent       *CheckRecent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewCheckRecent(32),
	}
}

func (m *Metrics) IncSentBroadcast()     { m.sentBroadcast.Add(1) }
func (m *Metrics) IncSentPrivate()       { m.sentPrivate.Add(1) }
func (m *Metrics) IncRecvBroadcast()     { m.recvBroadcast.Add(1) }
func (m *Metrics) IncRecvPrivate()       { m.recvPrivate.Add(1) }
func (m *Metrics) IncInvalidSignature()  { m.invalidSignatures.Add(1) }
func (m *Metrics) SetCurrentPeers(n int) { m.currentPeers.Store(int64(n)) }

func (m *Metrics) RecordCheck(rec CheckRecord) {
	m.checksResolved.Add(1)
	if rec.TimedOut {
		m.checkTimeouts.Add(1)
	}
	m.recent.Add(rec)
}

func (m *Metrics) IncRecvByType(t string) {
	if t == "" {
		t = "unknown"
	}
	m.mu.Lock()
	m.recvByType[t]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drop := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drop[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Chat: ChatMetrics{
			SentBroadcast:     m.sentBroadcast.Load(),
			SentPrivate:       m.sentPrivate.Load(),
			RecvBroadcast:     m.recvBroadcast.Load(),
			RecvPrivate:       m.recvPrivate.Load(),
			InvalidSignatures: m.invalidSignatures.Load(),
		},
		Checks: CheckMetrics{
			Resolved: m.checksResolved.Load(),
			Timeouts: m.checkTimeouts.Load(),
		},
		RecvByType:   recv,
		DropByReason: drop,
		CurrentPeers: m.currentPeers.Load(),
		Recent:       m.recent.List(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

type CheckRecent struct {
	mu   sync.Mutex
	cap  int
	list []CheckRecord
}

func NewCheckRecent(capacity int) *CheckRecent {
	if capacity <= 0 {
		capacity = 32
	}
	return &CheckRecent{cap: capacity}
}

func (r *CheckRecent) Add(rec CheckRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = rec
		return
	}
	r.list = append(r.list, rec)
}

func (r *CheckRecent) List() []CheckRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CheckRecord, len(r.list))
	copy(out, r.list)
	return out
}
