package margincall

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/health"
)

// Severity maps the health status that triggered a call to its grace period.
type Severity int32

const (
	SeverityWarning Severity = iota
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Status is a margin call's lifecycle state.
type Status int32

const (
	StatusActive Status = iota
	StatusResolved
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusResolved:
		return "resolved"
	case StatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// MarginCall is a time-boxed demand for one provider to restore collateral.
// At most one exists per provider; repeated deficits refresh it in place.
type MarginCall struct {
	CallID       uuid.UUID
	ProviderID   uuid.UUID
	Tier         string
	Severity     Severity
	Status       Status
	IssuedAt     time.Time
	Deadline     time.Time
	Deficit      int64 // sats
	CurrentRatio int64 // ppm
	MinRatio     int64 // ppm
	ResolvedAt   time.Time
}

// Manager owns the per-provider margin call state. It runs inside the engine
// goroutine; commands are already serialized per provider when they reach it.
type Manager struct {
	active         map[uuid.UUID]*MarginCall
	warningGrace   time.Duration
	emergencyGrace time.Duration
}

func NewManager(warningGrace, emergencyGrace time.Duration) *Manager {
	return &Manager{
		active:         make(map[uuid.UUID]*MarginCall),
		warningGrace:   warningGrace,
		emergencyGrace: emergencyGrace,
	}
}

// SetGracePeriods applies governance updates. Existing deadlines are not
// rewritten; only new issues and escalations use the new periods.
func (m *Manager) SetGracePeriods(warning, emergency time.Duration) {
	m.warningGrace = warning
	m.emergencyGrace = emergency
}

func severityFor(status health.Status) Severity {
	if status == health.StatusUnderCollateralized {
		return SeverityEmergency
	}
	return SeverityWarning
}

func (m *Manager) graceFor(s Severity) time.Duration {
	if s == SeverityEmergency {
		return m.emergencyGrace
	}
	return m.warningGrace
}

// Apply folds a health report into the provider's call state.
//
// No call + unhealthy report: issues a new Active call.
// Active call + unhealthy report: refreshes deficit and ratio in place. The
// deadline only moves when severity escalates from warning to emergency, and
// then only if the emergency deadline is earlier. It never extends.
// Active call + healthy report: resolves the call.
//
// Returns the call (nil when nothing exists) and whether state changed.
func (m *Manager) Apply(report health.Report, now time.Time) (*MarginCall, bool) {
	call, exists := m.active[report.ProviderID]

	if report.Status == health.StatusHealthy {
		if !exists {
			return nil, false
		}
		return m.resolve(call, now), true
	}

	severity := severityFor(report.Status)

	if !exists {
		call = &MarginCall{
			CallID:       uuid.New(),
			ProviderID:   report.ProviderID,
			Tier:         report.Tier,
			Severity:     severity,
			Status:       StatusActive,
			IssuedAt:     now,
			Deadline:     now.Add(m.graceFor(severity)),
			Deficit:      report.Deficit,
			CurrentRatio: report.Ratio,
			MinRatio:     report.MinRatio,
		}
		m.active[report.ProviderID] = call
		return call, true
	}

	call.Deficit = report.Deficit
	call.CurrentRatio = report.Ratio
	call.MinRatio = report.MinRatio

	if severity == SeverityEmergency && call.Severity == SeverityWarning {
		call.Severity = SeverityEmergency
		escalated := now.Add(m.emergencyGrace)
		if escalated.Before(call.Deadline) {
			call.Deadline = escalated
		}
	}
	return call, true
}

// TryResolve resolves the provider's call when the recomputed ratio clears
// the minimum. Used after an explicit resolution attempt.
func (m *Manager) TryResolve(providerID uuid.UUID, report health.Report, now time.Time) (*MarginCall, error) {
	call, exists := m.active[providerID]
	if !exists {
		return nil, fmt.Errorf("provider %s has no active margin call", providerID)
	}
	if report.Ratio < report.MinRatio {
		call.Deficit = report.Deficit
		call.CurrentRatio = report.Ratio
		return call, fmt.Errorf("ratio %d still below minimum %d", report.Ratio, report.MinRatio)
	}
	return m.resolve(call, now), nil
}

func (m *Manager) resolve(call *MarginCall, now time.Time) *MarginCall {
	call.Status = StatusResolved
	call.ResolvedAt = now
	delete(m.active, call.ProviderID)
	return call
}

// MarkLiquidated closes the provider's call after a forced liquidation pass.
func (m *Manager) MarkLiquidated(providerID uuid.UUID, now time.Time) (*MarginCall, error) {
	call, exists := m.active[providerID]
	if !exists {
		return nil, fmt.Errorf("provider %s has no active margin call", providerID)
	}
	call.Status = StatusLiquidated
	call.ResolvedAt = now
	delete(m.active, providerID)
	return call, nil
}

// Get returns the provider's active call, if any.
func (m *Manager) Get(providerID uuid.UUID) (*MarginCall, bool) {
	call, ok := m.active[providerID]
	return call, ok
}

// Expired returns calls whose deadline passed, in deterministic provider
// order, for the liquidation sweep.
func (m *Manager) Expired(now time.Time) []*MarginCall {
	out := make([]*MarginCall, 0)
	for _, call := range m.active {
		if now.After(call.Deadline) {
			out = append(out, call)
		}
	}
	sortByProvider(out)
	return out
}

// Active returns all active calls in deterministic provider order.
func (m *Manager) Active() []*MarginCall {
	out := make([]*MarginCall, 0, len(m.active))
	for _, call := range m.active {
		out = append(out, call)
	}
	sortByProvider(out)
	return out
}

func sortByProvider(calls []*MarginCall) {
	sort.Slice(calls, func(i, j int) bool {
		a, b := calls[i].ProviderID, calls[j].ProviderID
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}
