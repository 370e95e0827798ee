// Package jsonstore implements storage.Interface as a single JSON file,
// persisted with the teacher's own atomic-write sequence: encode to a temp
// file in the same directory, fsync it, atomically rename over the target,
// then fsync the parent directory so the rename itself survives a crash.
package jsonstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage"
)

// Store implements storage.Interface over a single JSON file.
type Store struct {
	mu       sync.RWMutex
	filepath string
	data     *document
}

type document struct {
	Rules          map[string]*domain.AutomationRule       `json:"rules"`
	Positions      map[string]*domain.ManagedPosition       `json:"positions"`
	Alerts         map[string]*domain.Alert                 `json:"alerts"`
	Executions     map[string]*storage.AutomationExecution  `json:"executions"`
	AuditEvents    []storage.AuditEvent                      `json:"audit_events"`
	Snapshots      []domain.PositionSnapshot                `json:"snapshots"`
	RiskConfig     *domain.RiskConfig                        `json:"risk_config"`
	LastUpdated    time.Time                                 `json:"last_updated"`
}

func newDocument() *document {
	return &document{
		Rules:      make(map[string]*domain.AutomationRule),
		Positions:  make(map[string]*domain.ManagedPosition),
		Alerts:     make(map[string]*domain.Alert),
		Executions: make(map[string]*storage.AutomationExecution),
	}
}

// New constructs a Store backed by filePath, loading existing data if present.
func New(filePath string) (*Store, error) {
	s := &Store{filepath: filePath, data: newDocument()}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}

	if _, err := os.Stat(filePath); err == nil {
		if loadErr := s.load(); loadErr != nil {
			return nil, fmt.Errorf("loading storage: %w", loadErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat storage file: %w", err)
	}

	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	doc := newDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return err
	}
	if doc.Rules == nil {
		doc.Rules = make(map[string]*domain.AutomationRule)
	}
	if doc.Positions == nil {
		doc.Positions = make(map[string]*domain.ManagedPosition)
	}
	if doc.Alerts == nil {
		doc.Alerts = make(map[string]*domain.Alert)
	}
	if doc.Executions == nil {
		doc.Executions = make(map[string]*storage.AutomationExecution)
	}
	s.data = doc
	return nil
}

// saveUnsafe writes s.data atomically. Must be called with s.mu held.
func (s *Store) saveUnsafe() error {
	s.data.LastUpdated = time.Now().UTC()

	dir := filepath.Dir(s.filepath)
	f, err := os.CreateTemp(dir, ".storage-*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmpName)
	}()

	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("setting temp file permissions: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, s.filepath); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			return fmt.Errorf("cross-device rename unsupported: %w", err)
		}
		return fmt.Errorf("renaming temp file: %w", err)
	}
	tmpName = ""

	if dirHandle, err := os.Open(dir); err == nil {
		defer func() { _ = dirHandle.Close() }()
		if err := dirHandle.Sync(); err != nil {
			return fmt.Errorf("syncing parent directory: %w", err)
		}
	}
	return nil
}

// --- Rules ---

func (s *Store) CreateRule(rule *domain.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = "rule_" + uuid.NewString()
	}
	rule.Symbol = strings.ToUpper(rule.Symbol)
	s.data.Rules[rule.ID] = rule
	return s.saveUnsafe()
}

func (s *Store) GetRule(id string) (*domain.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data.Rules[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r, nil
}

func (s *Store) UpdateRule(rule *domain.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Rules[rule.ID]; !ok {
		return storage.ErrNotFound
	}
	s.data.Rules[rule.ID] = rule
	return s.saveUnsafe()
}

func (s *Store) GetActiveRules(symbol string) ([]*domain.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	symbol = strings.ToUpper(symbol)
	var out []*domain.AutomationRule
	for _, r := range s.data.Rules {
		if r.Status != domain.RuleStatusActive {
			continue
		}
		if symbol != "" && r.Symbol != symbol {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) GetAllRules(limit int) ([]*domain.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.AutomationRule, 0, len(s.data.Rules))
	for _, r := range s.data.Rules {
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CancelSiblingRules(ocoGroupID, excludeRuleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.data.Rules {
		if id == excludeRuleID || r.OCOGroupID == nil || *r.OCOGroupID != ocoGroupID || r.Status != domain.RuleStatusActive {
			continue
		}
		r.Cancel()
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.saveUnsafe()
}

func (s *Store) ExpireStaleRules(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.data.Rules {
		if r.Status == domain.RuleStatusActive && r.IsExpired(now) {
			r.Expire()
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.saveUnsafe()
}

// --- Managed positions ---

func (s *Store) CreateManagedPosition(pos *domain.ManagedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.ID == "" {
		pos.ID = "pos_" + uuid.NewString()
	}
	pos.Symbol = strings.ToUpper(pos.Symbol)
	s.data.Positions[pos.ID] = pos
	return s.saveUnsafe()
}

func (s *Store) GetManagedPosition(id string) (*domain.ManagedPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.Positions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) UpdateManagedPosition(pos *domain.ManagedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Positions[pos.ID]; !ok {
		return storage.ErrNotFound
	}
	s.data.Positions[pos.ID] = pos
	return s.saveUnsafe()
}

func (s *Store) GetActiveManagedPositions() ([]*domain.ManagedPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ManagedPosition
	for _, p := range s.data.Positions {
		if p.Status == domain.PositionActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) GetPositionHistory(limit int) ([]*domain.ManagedPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ManagedPosition, 0, len(s.data.Positions))
	for _, p := range s.data.Positions {
		if p.Status != domain.PositionClosed {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Alerts ---

func (s *Store) CreateAlert(alert *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.ID == "" {
		alert.ID = "alert_" + uuid.NewString()
	}
	s.data.Alerts[alert.ID] = alert
	return s.saveUnsafe()
}

func (s *Store) FindTriggeredAlert(positionID string, alertType domain.AlertType) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.data.Alerts {
		if a.PositionID == positionID && a.Type == alertType && a.Triggered {
			return a, nil
		}
	}
	return nil, storage.ErrNotFound
}

// --- Executions ---

func (s *Store) RecordExecution(exec *storage.AutomationExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.ID == "" {
		exec.ID = "exec_" + uuid.NewString()
	}
	s.data.Executions[exec.ID] = exec
	return s.saveUnsafe()
}

// --- Audit trail ---

func (s *Store) RecordAuditEvent(event storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = "audit_" + uuid.NewString()
	}
	s.data.AuditEvents = append(s.data.AuditEvents, event)
	return s.saveUnsafe()
}

func (s *Store) ListAuditEvents(orderID string) ([]storage.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.AuditEvent
	for _, e := range s.data.AuditEvents {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Snapshots ---

func (s *Store) RecordSnapshot(snap domain.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Snapshots = append(s.data.Snapshots, snap)
	return s.saveUnsafe()
}

func (s *Store) CleanupSnapshots(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := before.UnixNano()
	kept := s.data.Snapshots[:0]
	removed := 0
	for _, snap := range s.data.Snapshots {
		if snap.Timestamp < cutoff {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.data.Snapshots = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveUnsafe()
}

// --- Risk config ---

func (s *Store) GetRiskConfig() (domain.RiskConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.RiskConfig == nil {
		return domain.DefaultRiskConfig(), nil
	}
	return *s.data.RiskConfig, nil
}

func (s *Store) SetRiskConfig(cfg domain.RiskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.RiskConfig = &cfg
	return s.saveUnsafe()
}

// --- Statistics ---

func (s *Store) GetStatistics() (storage.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := storage.Statistics{ByCloseReason: make(map[domain.CloseReason]int)}
	var totalConfidence, winSum, lossSum decimal.Decimal
	for _, p := range s.data.Positions {
		if p.Status != domain.PositionClosed {
			continue
		}
		stats.TotalTrades++
		totalConfidence = totalConfidence.Add(decimal.NewFromInt(int64(p.Confidence)))

		pnl := decimal.Zero
		if p.PnL != nil {
			pnl = *p.PnL
		}
		reason := domain.CloseReasonUnknown
		if p.CloseReason != nil {
			reason = *p.CloseReason
		}
		stats.ByCloseReason[reason]++

		if pnl.IsPositive() {
			stats.WinningTrades++
			winSum = winSum.Add(pnl)
		} else {
			stats.LosingTrades++
			lossSum = lossSum.Add(pnl.Abs())
		}
		f, _ := pnl.Float64()
		stats.TotalPnL += f
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
		avgConf, _ := totalConfidence.Div(decimal.NewFromInt(int64(stats.TotalTrades))).Float64()
		stats.AvgConfidence = avgConf
	}
	if stats.WinningTrades > 0 {
		avgWin, _ := winSum.Div(decimal.NewFromInt(int64(stats.WinningTrades))).Float64()
		stats.AvgWin = avgWin
	}
	if stats.LosingTrades > 0 {
		avgLoss, _ := lossSum.Div(decimal.NewFromInt(int64(stats.LosingTrades))).Float64()
		stats.AvgLoss = avgLoss
	}
	return stats, nil
}

// GetStrategyPerformance aggregates closed positions sharing strategyID, the
// per-strategy analogue of GetStatistics' global scan.
func (s *Store) GetStrategyPerformance(strategyID string) (domain.StrategyPerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perf := domain.StrategyPerformance{StrategyID: strategyID}
	var pnlSum decimal.Decimal
	for _, p := range s.data.Positions {
		if p.Status != domain.PositionClosed || p.StrategyID == nil || *p.StrategyID != strategyID {
			continue
		}
		perf.TotalTrades++
		pnl := decimal.Zero
		if p.PnL != nil {
			pnl = *p.PnL
		}
		pnlSum = pnlSum.Add(pnl)
		if pnl.IsPositive() {
			perf.WinningTrades++
		} else {
			perf.LosingTrades++
		}
	}
	if perf.TotalTrades > 0 {
		perf.WinRate = decimal.NewFromInt(int64(perf.WinningTrades)).Div(decimal.NewFromInt(int64(perf.TotalTrades)))
	}
	perf.TotalPnL = pnlSum
	return perf, nil
}

var _ storage.Interface = (*Store)(nil)
