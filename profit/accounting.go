// profit/accounting.go
package profit

import (
	"fmt"
	"sync"
	"time"

	"pos_bian_go/logs"
)

// CloseReport is the realized outcome of one closed position leg, built
// from the exchange's trade history rather than from the last seen price.
type CloseReport struct {
	User       string
	Symbol     string
	Side       string
	PnLUSDT    float64
	PnLPct     float64
	Commission float64
	OpenedAt   int64 // ms
	ClosedAt   int64 // ms
}

// Duration returns the time the position was held.
func (r CloseReport) Duration() time.Duration {
	if r.OpenedAt <= 0 || r.ClosedAt < r.OpenedAt {
		return 0
	}
	return time.Duration(r.ClosedAt-r.OpenedAt) * time.Millisecond
}

// SessionTotal aggregates a user's closed trades since the process started.
type SessionTotal struct {
	Closes     int
	Wins       int
	Losses     int
	PnLUSDT    float64
	Commission float64
}

// Accountant is responsible for tracking realized profit and loss across
// the session. Every reconciled close is recorded here and reported once.
type Accountant struct {
	mu      sync.Mutex
	reports []CloseReport
	totals  map[string]*SessionTotal
}

// NewAccountant creates a new accounting core.
func NewAccountant() *Accountant {
	return &Accountant{
		reports: make([]CloseReport, 0),
		totals:  make(map[string]*SessionTotal),
	}
}

// RecordClose records the realized outcome of one closed leg and logs the
// close report. PnL percent is measured against the notional the position
// was opened with; a missing notional leaves the percent at zero.
func (a *Accountant) RecordClose(user, symbol, side string, pnlUSDT, commission, notional float64, openedAt, closedAt int64) CloseReport {
	report := CloseReport{
		User:       user,
		Symbol:     symbol,
		Side:       side,
		PnLUSDT:    pnlUSDT,
		Commission: commission,
		OpenedAt:   openedAt,
		ClosedAt:   closedAt,
	}
	if notional > 0 {
		report.PnLPct = pnlUSDT / notional * 100
	}

	a.mu.Lock()
	a.reports = append(a.reports, report)
	total, ok := a.totals[user]
	if !ok {
		total = &SessionTotal{}
		a.totals[user] = total
	}
	total.Closes++
	total.PnLUSDT += pnlUSDT
	total.Commission += commission
	if pnlUSDT > 0 {
		total.Wins++
	} else if pnlUSDT < 0 {
		total.Losses++
	}
	sessionPnL := total.PnLUSDT
	a.mu.Unlock()

	logs.Infof("[Report][%s][%s][%s] closed: pnl=%.4f USDT (%.2f%%), commission=%.4f, held %s, session total %.4f USDT",
		user, symbol, side, report.PnLUSDT, report.PnLPct, report.Commission,
		formatDuration(report.Duration()), sessionPnL)
	return report
}

// SessionTotal returns a copy of the user's aggregate for the session.
func (a *Accountant) SessionTotal(user string) SessionTotal {
	a.mu.Lock()
	defer a.mu.Unlock()
	if total, ok := a.totals[user]; ok {
		return *total
	}
	return SessionTotal{}
}

// Reports returns a copy of all close reports recorded this session.
func (a *Accountant) Reports() []CloseReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CloseReport, len(a.reports))
	copy(out, a.reports)
	return out
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
