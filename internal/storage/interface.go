// Package storage defines the persistence contract (§6) shared by every
// engine in the service, generalized from the teacher's single-position
// JSONStorage into a multi-entity contract covering rules, managed
// positions, alerts, executions, snapshots, and the risk config singleton.
package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
)

// AutomationExecution records one rule firing (§4.F step 4).
type AutomationExecution struct {
	ID            string
	RuleID        string
	TriggerPrice  decimal.Decimal
	ExecutedPrice decimal.Decimal
	Quantity      decimal.Decimal
	OrderID       string
	OrderStatus   string
	CreatedAt     time.Time
}

// AuditEventType enumerates the order-queue state transitions the Order
// Queue must leave a trail for (§4.D step 5).
type AuditEventType string

const (
	AuditQueued         AuditEventType = "QUEUED"
	AuditRetryScheduled AuditEventType = "RETRY_SCHEDULED"
	AuditStatusUpdated  AuditEventType = "STATUS_UPDATED"
	AuditRejected       AuditEventType = "REJECTED"
	AuditFailed         AuditEventType = "FAILED"
)

// AuditEvent records one Order Queue state transition for the audit trail.
type AuditEvent struct {
	ID        string
	OrderID   string
	Type      AuditEventType
	Detail    string
	CreatedAt time.Time
}

// Statistics aggregates closed-position performance (§6 operational surface).
type Statistics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64
	AvgWin        float64
	AvgLoss       float64
	AvgConfidence float64
	ByCloseReason map[domain.CloseReason]int
}

// Interface is the storage collaborator every engine persists and reads
// through. Two implementations are provided: jsonstore (single-file,
// atomic-write) and sqlstore (gorm + sqlite).
type Interface interface {
	// Rules
	CreateRule(rule *domain.AutomationRule) error
	GetRule(id string) (*domain.AutomationRule, error)
	UpdateRule(rule *domain.AutomationRule) error
	GetActiveRules(symbol string) ([]*domain.AutomationRule, error)
	GetAllRules(limit int) ([]*domain.AutomationRule, error)
	CancelSiblingRules(ocoGroupID, excludeRuleID string) (int, error)
	ExpireStaleRules(now time.Time) (int, error)

	// Managed positions
	CreateManagedPosition(pos *domain.ManagedPosition) error
	GetManagedPosition(id string) (*domain.ManagedPosition, error)
	UpdateManagedPosition(pos *domain.ManagedPosition) error
	GetActiveManagedPositions() ([]*domain.ManagedPosition, error)
	GetPositionHistory(limit int) ([]*domain.ManagedPosition, error)

	// Alerts
	CreateAlert(alert *domain.Alert) error
	FindTriggeredAlert(positionID string, alertType domain.AlertType) (*domain.Alert, error)

	// Executions
	RecordExecution(exec *AutomationExecution) error

	// Audit trail
	RecordAuditEvent(event AuditEvent) error
	ListAuditEvents(orderID string) ([]AuditEvent, error)

	// Snapshots
	RecordSnapshot(snap domain.PositionSnapshot) error
	CleanupSnapshots(before time.Time) (int, error)

	// Risk config (singleton, latest-wins)
	GetRiskConfig() (domain.RiskConfig, error)
	SetRiskConfig(cfg domain.RiskConfig) error

	// Statistics
	GetStatistics() (Statistics, error)
	GetStrategyPerformance(strategyID string) (domain.StrategyPerformance, error)
}
