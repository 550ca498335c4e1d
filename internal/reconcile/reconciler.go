package reconcile

import (
	"context"
	"fmt"
	"time"

	"marlin/internal/broker"
	"marlin/internal/logger"
	"marlin/internal/state"
	"marlin/internal/store/model"

	"github.com/google/uuid"
)

// ExitReasonRecovered marks positions closed because the broker no longer
// holds them.
const ExitReasonRecovered = "recovered_closed"

// Action values used in report details.
const (
	ActionMatched  = "matched"
	ActionClosed   = "closed"
	ActionImported = "imported"
)

// Detail is one per-symbol line in a reconciliation report.
type Detail struct {
	Symbol  string `json:"symbol"`
	Action  string `json:"action"`
	Flagged bool   `json:"flagged,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Report summarizes one reconciliation run.
type Report struct {
	SessionID  string    `json:"session_id"`
	Matched    int       `json:"matched"`
	Closed     int       `json:"closed"`
	Imported   int       `json:"imported"`
	Flagged    int       `json:"flagged"`
	Details    []Detail  `json:"details,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Mutations reports whether the run changed any position.
func (r *Report) Mutations() int { return r.Closed + r.Imported }

// Reconciler makes the ledger's open positions consistent with the
// broker's authoritative position list. It mutates positions only through
// the state manager and never deletes a row.
type Reconciler struct {
	states *state.Manager
	broker broker.Broker
}

func New(states *state.Manager, b broker.Broker) *Reconciler {
	return &Reconciler{states: states, broker: b}
}

// FullRecovery runs the three-way diff and resolves every class. If the
// broker call fails, it aborts before touching any position (fail-closed);
// the caller must retry before trading resumes. Running it twice with no
// broker-side change in between is a no-op the second time.
func (r *Reconciler) FullRecovery(ctx context.Context) (*Report, error) {
	sess := r.states.CurrentSession()
	if sess == nil {
		return nil, state.ErrNoSession
	}
	remote, err := r.broker.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrBrokerUnavailable, err)
	}
	local, err := r.states.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	localBySymbol := make(map[string]state.Position, len(local))
	for _, pos := range local {
		localBySymbol[symbolKey(pos.Symbol)] = pos
	}
	remoteBySymbol := make(map[string]broker.Position, len(remote))
	for _, pos := range remote {
		remoteBySymbol[symbolKey(pos.Symbol)] = pos
	}

	diff := diffPositions(local, remote)
	report := &Report{SessionID: sess.ID}

	for _, sym := range diff.matched {
		detail, err := r.refreshMatched(ctx, localBySymbol[sym])
		if err != nil {
			return nil, err
		}
		report.Matched++
		report.Details = append(report.Details, detail)
	}
	for _, sym := range diff.localOnly {
		detail, err := r.closeOrphanedLocal(ctx, localBySymbol[sym])
		if err != nil {
			return nil, err
		}
		report.Closed++
		if detail.Flagged {
			report.Flagged++
		}
		report.Details = append(report.Details, detail)
	}
	for _, sym := range diff.remoteOnly {
		detail, err := r.importOrphanedRemote(ctx, remoteBySymbol[sym])
		if err != nil {
			return nil, err
		}
		report.Imported++
		if detail.Flagged {
			report.Flagged++
		}
		report.Details = append(report.Details, detail)
	}
	report.FinishedAt = time.Now()
	logger.Infof("reconciliation done session=%s matched=%d closed=%d imported=%d flagged=%d",
		sess.ID, report.Matched, report.Closed, report.Imported, report.Flagged)
	return report, nil
}

// Reconcile is FullRecovery under its on-demand name.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	return r.FullRecovery(ctx)
}

// refreshMatched keeps the position as-is, refreshing the cached market
// price when the broker has one. A price failure here is not fatal.
func (r *Reconciler) refreshMatched(ctx context.Context, pos state.Position) (Detail, error) {
	price, ok, err := r.broker.GetLastPrice(ctx, pos.Symbol)
	if err != nil {
		logger.Warnf("price refresh failed for %s: %v", pos.Symbol, err)
		return Detail{Symbol: pos.Symbol, Action: ActionMatched}, nil
	}
	if ok && price > 0 && price != pos.LastPrice {
		pos.LastPrice = price
		if err := r.states.SavePosition(ctx, pos); err != nil {
			return Detail{}, err
		}
	}
	return Detail{Symbol: pos.Symbol, Action: ActionMatched}, nil
}

// closeOrphanedLocal closes a position the broker no longer holds. With no
// recoverable price, exit price falls back to entry and P&L stays null;
// the row is flagged for manual review instead of guessing.
func (r *Reconciler) closeOrphanedLocal(ctx context.Context, pos state.Position) (Detail, error) {
	now := time.Now()
	pos.Status = model.PositionStatusClosed
	pos.ExitReason = ExitReasonRecovered
	pos.ExitAt = &now

	price, ok, err := r.broker.GetLastPrice(ctx, pos.Symbol)
	if err != nil || !ok || price <= 0 {
		exit := pos.EntryPrice
		pos.ExitPrice = &exit
		pos.RealizedPnL = nil
		pos.ReviewRequired = true
	} else {
		pos.ExitPrice = &price
	}
	if err := r.states.UpdatePosition(ctx, pos); err != nil {
		return Detail{}, err
	}
	detail := Detail{Symbol: pos.Symbol, Action: ActionClosed, Flagged: pos.ReviewRequired}
	if pos.ReviewRequired {
		detail.Note = "no broker price; exit price defaulted to entry, P&L unset"
	}
	return detail, nil
}

// importOrphanedRemote records a position opened outside the system. The
// true entry time is unrecoverable, so entry time is now and the row is
// flagged for manual review; no stop or target is synthesized.
func (r *Reconciler) importOrphanedRemote(ctx context.Context, remote broker.Position) (Detail, error) {
	pos := state.Position{
		Symbol:         remote.Symbol,
		Side:           remote.Side,
		Quantity:       remote.Quantity,
		EntryPrice:     remote.AvgPrice,
		EntryAt:        time.Now(),
		EntryOrderID:   "imported-" + uuid.NewString(),
		Status:         model.PositionStatusOpen,
		ReviewRequired: true,
	}
	if err := r.states.SavePosition(ctx, pos); err != nil {
		return Detail{}, err
	}
	return Detail{
		Symbol:  remote.Symbol,
		Action:  ActionImported,
		Flagged: true,
		Note:    "opened outside the system; entry time approximated, no stop/target",
	}, nil
}
