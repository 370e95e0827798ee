// Package sqlstore implements storage.Interface on gorm.io/gorm against
// sqlite, demonstrating the "relation does not exist" -> empty-result
// mapping (§6) against a real SQL error taxonomy rather than the jsonstore's
// file-not-found path.
package sqlstore

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage"
)

// Store implements storage.Interface against a gorm/sqlite database.
type Store struct {
	db *gorm.DB
}

// New opens (and migrates) a sqlite database at dsn (":memory:" for tests).
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&ruleRow{}, &positionRow{}, &alertRow{}, &executionRow{}, &auditEventRow{}, &snapshotRow{}, &riskConfigRow{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// isMissingRelation maps sqlite's "no such table" driver error the way the
// spec requires: read paths fold it into an empty result, everything else
// propagates.
func isMissingRelation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such table")
}

// --- GORM row types ---

type ruleRow struct {
	ID           string `gorm:"primaryKey"`
	RuleType     string
	TriggerType  string
	Symbol       string `gorm:"index"`
	TriggerValue string
	EntryPrice   *string
	PositionID   *string
	OrderSide    string
	OrderType    string
	Quantity     *string
	LimitPrice   *string
	OCOGroupID   *string `gorm:"index"`
	ExpiresAt    *time.Time
	Status       string `gorm:"index"`
	Enabled      bool
	TriggeredAt  *time.Time
	OrderID      *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (ruleRow) TableName() string { return "automation_rules" }

func decStr(d decimal.Decimal) string { return d.String() }

func decPtrStr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func strToDec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func strPtrToDec(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := strToDec(*s)
	return &d
}

func ruleToRow(r *domain.AutomationRule) *ruleRow {
	return &ruleRow{
		ID:           r.ID,
		RuleType:     string(r.RuleType),
		TriggerType:  string(r.TriggerType),
		Symbol:       r.Symbol,
		TriggerValue: decStr(r.TriggerValue),
		EntryPrice:   decPtrStr(r.EntryPrice),
		PositionID:   r.PositionID,
		OrderSide:    string(r.OrderSide),
		OrderType:    string(r.OrderType),
		Quantity:     decPtrStr(r.Quantity),
		LimitPrice:   decPtrStr(r.LimitPrice),
		OCOGroupID:   r.OCOGroupID,
		ExpiresAt:    r.ExpiresAt,
		Status:       string(r.Status),
		Enabled:      r.Enabled,
		TriggeredAt:  r.TriggeredAt,
		OrderID:      r.OrderID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func rowToRule(row *ruleRow) *domain.AutomationRule {
	return &domain.AutomationRule{
		ID:           row.ID,
		RuleType:     domain.RuleType(row.RuleType),
		TriggerType:  domain.TriggerType(row.TriggerType),
		Symbol:       row.Symbol,
		TriggerValue: strToDec(row.TriggerValue),
		EntryPrice:   strPtrToDec(row.EntryPrice),
		PositionID:   row.PositionID,
		OrderSide:    domain.OrderSide(row.OrderSide),
		OrderType:    domain.OrderType(row.OrderType),
		Quantity:     strPtrToDec(row.Quantity),
		LimitPrice:   strPtrToDec(row.LimitPrice),
		OCOGroupID:   row.OCOGroupID,
		ExpiresAt:    row.ExpiresAt,
		Status:       domain.RuleStatus(row.Status),
		Enabled:      row.Enabled,
		TriggeredAt:  row.TriggeredAt,
		OrderID:      row.OrderID,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

// --- Rules ---

func (s *Store) CreateRule(rule *domain.AutomationRule) error {
	if rule.ID == "" {
		rule.ID = "rule_" + uuid.NewString()
	}
	rule.Symbol = strings.ToUpper(rule.Symbol)
	return s.db.Create(ruleToRow(rule)).Error
}

func (s *Store) GetRule(id string) (*domain.AutomationRule, error) {
	var row ruleRow
	err := s.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToRule(&row), nil
}

func (s *Store) UpdateRule(rule *domain.AutomationRule) error {
	return s.db.Save(ruleToRow(rule)).Error
}

func (s *Store) GetActiveRules(symbol string) ([]*domain.AutomationRule, error) {
	q := s.db.Where("status = ?", string(domain.RuleStatusActive))
	if symbol != "" {
		q = q.Where("symbol = ?", strings.ToUpper(symbol))
	}
	var rows []ruleRow
	if err := q.Find(&rows).Error; err != nil {
		if isMissingRelation(err) {
			return nil, nil
		}
		return nil, err
	}
	return rowsToRules(rows), nil
}

func (s *Store) GetAllRules(limit int) ([]*domain.AutomationRule, error) {
	q := s.db.Model(&ruleRow{})
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ruleRow
	if err := q.Find(&rows).Error; err != nil {
		if isMissingRelation(err) {
			return nil, nil
		}
		return nil, err
	}
	return rowsToRules(rows), nil
}

func rowsToRules(rows []ruleRow) []*domain.AutomationRule {
	out := make([]*domain.AutomationRule, len(rows))
	for i := range rows {
		out[i] = rowToRule(&rows[i])
	}
	return out
}

// CancelSiblingRules atomically cancels every active rule sharing ocoGroupID
// except excludeRuleID, inside a transaction per §6's updateMany requirement.
func (s *Store) CancelSiblingRules(ocoGroupID, excludeRuleID string) (int, error) {
	var affected int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ruleRow{}).
			Where("oco_group_id = ? AND id <> ? AND status = ?", ocoGroupID, excludeRuleID, string(domain.RuleStatusActive)).
			Updates(map[string]interface{}{"status": string(domain.RuleStatusCancelled), "enabled": false, "updated_at": time.Now().UTC()})
		affected = res.RowsAffected
		return res.Error
	})
	return int(affected), err
}

// ExpireStaleRules atomically sweeps {status:active, expiresAt<now} -> expired.
func (s *Store) ExpireStaleRules(now time.Time) (int, error) {
	var affected int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ruleRow{}).
			Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", string(domain.RuleStatusActive), now).
			Updates(map[string]interface{}{"status": string(domain.RuleStatusExpired), "updated_at": now})
		affected = res.RowsAffected
		return res.Error
	})
	return int(affected), err
}

// --- Managed positions ---

type positionRow struct {
	ID              string `gorm:"primaryKey"`
	StrategyID      *string
	Symbol          string `gorm:"index"`
	Side            string
	Quantity        string
	EntryPrice      string
	Confidence      int
	TakeProfitPct   string
	StopLossPct     string
	TimeStopHours   string
	TrailingStopPct *string
	HighWaterMark   string
	EnteredAt       time.Time
	Status          string `gorm:"index"`
	ClosedAt        *time.Time
	ClosePrice      *string
	CloseReason     *string
	PnL             *string
	PnLPct          *string
	TrailingArmed   bool
}

func (positionRow) TableName() string { return "managed_positions" }

func positionToRow(p *domain.ManagedPosition) *positionRow {
	row := &positionRow{
		ID:              p.ID,
		StrategyID:      p.StrategyID,
		Symbol:          p.Symbol,
		Side:            string(p.Side),
		Quantity:        decStr(p.Quantity),
		EntryPrice:      decStr(p.EntryPrice),
		Confidence:      p.Confidence,
		TakeProfitPct:   decStr(p.TakeProfitPct),
		StopLossPct:     decStr(p.StopLossPct),
		TimeStopHours:   decStr(p.TimeStopHours),
		TrailingStopPct: decPtrStr(p.TrailingStopPct),
		HighWaterMark:   decStr(p.HighWaterMark),
		EnteredAt:       p.EnteredAt,
		Status:          string(p.Status),
		ClosedAt:        p.ClosedAt,
		ClosePrice:      decPtrStr(p.ClosePrice),
		PnL:             decPtrStr(p.PnL),
		PnLPct:          decPtrStr(p.PnLPct),
		TrailingArmed:   p.TrailingArmed,
	}
	if p.CloseReason != nil {
		s := string(*p.CloseReason)
		row.CloseReason = &s
	}
	return row
}

func rowToPosition(row *positionRow) *domain.ManagedPosition {
	p := &domain.ManagedPosition{
		ID:              row.ID,
		StrategyID:      row.StrategyID,
		Symbol:          row.Symbol,
		Side:            domain.OrderSide(row.Side),
		Quantity:        strToDec(row.Quantity),
		EntryPrice:      strToDec(row.EntryPrice),
		Confidence:      row.Confidence,
		TakeProfitPct:   strToDec(row.TakeProfitPct),
		StopLossPct:     strToDec(row.StopLossPct),
		TimeStopHours:   strToDec(row.TimeStopHours),
		TrailingStopPct: strPtrToDec(row.TrailingStopPct),
		HighWaterMark:   strToDec(row.HighWaterMark),
		EnteredAt:       row.EnteredAt,
		Status:          domain.PositionStatus(row.Status),
		ClosedAt:        row.ClosedAt,
		ClosePrice:      strPtrToDec(row.ClosePrice),
		PnL:             strPtrToDec(row.PnL),
		PnLPct:          strPtrToDec(row.PnLPct),
		TrailingArmed:   row.TrailingArmed,
	}
	if row.CloseReason != nil {
		reason := domain.CloseReason(*row.CloseReason)
		p.CloseReason = &reason
	}
	return p
}

func (s *Store) CreateManagedPosition(pos *domain.ManagedPosition) error {
	if pos.ID == "" {
		pos.ID = "pos_" + uuid.NewString()
	}
	pos.Symbol = strings.ToUpper(pos.Symbol)
	return s.db.Create(positionToRow(pos)).Error
}

func (s *Store) GetManagedPosition(id string) (*domain.ManagedPosition, error) {
	var row positionRow
	err := s.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToPosition(&row), nil
}

func (s *Store) UpdateManagedPosition(pos *domain.ManagedPosition) error {
	return s.db.Save(positionToRow(pos)).Error
}

func (s *Store) GetActiveManagedPositions() ([]*domain.ManagedPosition, error) {
	var rows []positionRow
	err := s.db.Where("status = ?", string(domain.PositionActive)).Find(&rows).Error
	if err != nil {
		if isMissingRelation(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*domain.ManagedPosition, len(rows))
	for i := range rows {
		out[i] = rowToPosition(&rows[i])
	}
	return out, nil
}

func (s *Store) GetPositionHistory(limit int) ([]*domain.ManagedPosition, error) {
	q := s.db.Where("status = ?", string(domain.PositionClosed)).Order("closed_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []positionRow
	if err := q.Find(&rows).Error; err != nil {
		if isMissingRelation(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*domain.ManagedPosition, len(rows))
	for i := range rows {
		out[i] = rowToPosition(&rows[i])
	}
	return out, nil
}

// --- Alerts ---

type alertRow struct {
	ID          string `gorm:"primaryKey"`
	PositionID  string `gorm:"index"`
	Type        string
	Message     string
	Triggered   bool
	TriggeredAt *time.Time
	Dismissed   bool
	DismissedAt *time.Time
	CreatedAt   time.Time
}

func (alertRow) TableName() string { return "alerts" }

func (s *Store) CreateAlert(alert *domain.Alert) error {
	if alert.ID == "" {
		alert.ID = "alert_" + uuid.NewString()
	}
	return s.db.Create(&alertRow{
		ID:          alert.ID,
		PositionID:  alert.PositionID,
		Type:        string(alert.Type),
		Message:     alert.Message,
		Triggered:   alert.Triggered,
		TriggeredAt: alert.TriggeredAt,
		Dismissed:   alert.Dismissed,
		DismissedAt: alert.DismissedAt,
		CreatedAt:   alert.CreatedAt,
	}).Error
}

func (s *Store) FindTriggeredAlert(positionID string, alertType domain.AlertType) (*domain.Alert, error) {
	var row alertRow
	err := s.db.First(&row, "position_id = ? AND type = ? AND triggered = ?", positionID, string(alertType), true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || isMissingRelation(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.Alert{
		ID:          row.ID,
		PositionID:  row.PositionID,
		Type:        domain.AlertType(row.Type),
		Message:     row.Message,
		Triggered:   row.Triggered,
		TriggeredAt: row.TriggeredAt,
		Dismissed:   row.Dismissed,
		DismissedAt: row.DismissedAt,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// --- Executions ---

type executionRow struct {
	ID            string `gorm:"primaryKey"`
	RuleID        string `gorm:"index"`
	TriggerPrice  string
	ExecutedPrice string
	Quantity      string
	OrderID       string
	OrderStatus   string
	CreatedAt     time.Time
}

func (executionRow) TableName() string { return "automation_executions" }

func (s *Store) RecordExecution(exec *storage.AutomationExecution) error {
	if exec.ID == "" {
		exec.ID = "exec_" + uuid.NewString()
	}
	return s.db.Create(&executionRow{
		ID:            exec.ID,
		RuleID:        exec.RuleID,
		TriggerPrice:  decStr(exec.TriggerPrice),
		ExecutedPrice: decStr(exec.ExecutedPrice),
		Quantity:      decStr(exec.Quantity),
		OrderID:       exec.OrderID,
		OrderStatus:   exec.OrderStatus,
		CreatedAt:     exec.CreatedAt,
	}).Error
}

// --- Audit trail ---

type auditEventRow struct {
	ID        string `gorm:"primaryKey"`
	OrderID   string `gorm:"index"`
	Type      string
	Detail    string
	CreatedAt time.Time
}

func (auditEventRow) TableName() string { return "order_audit_events" }

func (s *Store) RecordAuditEvent(event storage.AuditEvent) error {
	if event.ID == "" {
		event.ID = "audit_" + uuid.NewString()
	}
	return s.db.Create(&auditEventRow{
		ID:        event.ID,
		OrderID:   event.OrderID,
		Type:      string(event.Type),
		Detail:    event.Detail,
		CreatedAt: event.CreatedAt,
	}).Error
}

func (s *Store) ListAuditEvents(orderID string) ([]storage.AuditEvent, error) {
	var rows []auditEventRow
	if err := s.db.Where("order_id = ?", orderID).Order("created_at asc").Find(&rows).Error; err != nil {
		if isMissingRelation(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]storage.AuditEvent, len(rows))
	for i, r := range rows {
		out[i] = storage.AuditEvent{ID: r.ID, OrderID: r.OrderID, Type: storage.AuditEventType(r.Type), Detail: r.Detail, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

// --- Snapshots ---

type snapshotRow struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	Symbol          string `gorm:"index"`
	Quantity        string
	AvgEntryPrice   string
	CurrentPrice    string
	MarketValue     string
	UnrealizedPL    string
	UnrealizedPLPct string
	Timestamp       int64 `gorm:"index"`
}

func (snapshotRow) TableName() string { return "position_snapshots" }

func (s *Store) RecordSnapshot(snap domain.PositionSnapshot) error {
	return s.db.Create(&snapshotRow{
		Symbol:          snap.Symbol,
		Quantity:        decStr(snap.Quantity),
		AvgEntryPrice:   decStr(snap.AvgEntryPrice),
		CurrentPrice:    decStr(snap.CurrentPrice),
		MarketValue:     decStr(snap.MarketValue),
		UnrealizedPL:    decStr(snap.UnrealizedPL),
		UnrealizedPLPct: decStr(snap.UnrealizedPLPct),
		Timestamp:       snap.Timestamp,
	}).Error
}

func (s *Store) CleanupSnapshots(before time.Time) (int, error) {
	res := s.db.Where("timestamp < ?", before.UnixNano()).Delete(&snapshotRow{})
	if res.Error != nil {
		if isMissingRelation(res.Error) {
			return 0, nil
		}
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// --- Risk config ---

type riskConfigRow struct {
	ID              uint `gorm:"primaryKey;autoIncrement"`
	MaxPositionSize string
	MaxOrderSize    string
	MaxDailyLoss    string
	AllowedSymbols  string // comma-joined
	TradingEnabled  bool
	UpdatedAt       time.Time
}

func (riskConfigRow) TableName() string { return "risk_configs" }

func (s *Store) GetRiskConfig() (domain.RiskConfig, error) {
	var row riskConfigRow
	err := s.db.Order("id desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || isMissingRelation(err) {
		return domain.DefaultRiskConfig(), nil
	}
	if err != nil {
		return domain.RiskConfig{}, err
	}
	var symbols []string
	if row.AllowedSymbols != "" {
		symbols = strings.Split(row.AllowedSymbols, ",")
	}
	return domain.RiskConfig{
		MaxPositionSize: strToDec(row.MaxPositionSize),
		MaxOrderSize:    strToDec(row.MaxOrderSize),
		MaxDailyLoss:    strToDec(row.MaxDailyLoss),
		AllowedSymbols:  symbols,
		TradingEnabled:  row.TradingEnabled,
	}, nil
}

func (s *Store) SetRiskConfig(cfg domain.RiskConfig) error {
	return s.db.Create(&riskConfigRow{
		MaxPositionSize: decStr(cfg.MaxPositionSize),
		MaxOrderSize:    decStr(cfg.MaxOrderSize),
		MaxDailyLoss:    decStr(cfg.MaxDailyLoss),
		AllowedSymbols:  strings.Join(cfg.AllowedSymbols, ","),
		TradingEnabled:  cfg.TradingEnabled,
		UpdatedAt:       time.Now().UTC(),
	}).Error
}

// --- Statistics ---

func (s *Store) GetStatistics() (storage.Statistics, error) {
	var rows []positionRow
	err := s.db.Where("status = ?", string(domain.PositionClosed)).Find(&rows).Error
	if err != nil {
		if isMissingRelation(err) {
			return storage.Statistics{ByCloseReason: make(map[domain.CloseReason]int)}, nil
		}
		return storage.Statistics{}, err
	}

	stats := storage.Statistics{ByCloseReason: make(map[domain.CloseReason]int)}
	var totalConfidence, winSum, lossSum decimal.Decimal
	for i := range rows {
		p := rowToPosition(&rows[i])
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
	var rows []positionRow
	err := s.db.Where("status = ? AND strategy_id = ?", string(domain.PositionClosed), strategyID).Find(&rows).Error
	if err != nil {
		if isMissingRelation(err) {
			return domain.StrategyPerformance{StrategyID: strategyID}, nil
		}
		return domain.StrategyPerformance{}, err
	}

	perf := domain.StrategyPerformance{StrategyID: strategyID}
	var pnlSum decimal.Decimal
	for i := range rows {
		p := rowToPosition(&rows[i])
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
