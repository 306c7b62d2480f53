package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/multilot-bot/internal/alerting"
	"github.com/tathienbao/multilot-bot/internal/risk"
	"github.com/tathienbao/multilot-bot/internal/types"
)

// StateBridge forwards terminal exit outcomes from the executor into the
// risk manager and raises operator alerts for outcomes that need a
// human. It satisfies the executor's StateHandler.
type StateBridge struct {
	risk    *risk.Manager
	alerter alerting.Alerter
	logger  *slog.Logger
}

// NewStateBridge creates the bridge between executor and risk manager.
func NewStateBridge(riskMgr *risk.Manager, alerter alerting.Alerter, logger *slog.Logger) *StateBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateBridge{
		risk:    riskMgr,
		alerter: alerter,
		logger:  logger,
	}
}

// OnPositionClosed applies a terminal fill through the risk manager and
// raises the close alert.
func (b *StateBridge) OnPositionClosed(positionID string, exitPrice decimal.Decimal, reason types.ExitReason, at time.Time) (decimal.Decimal, error) {
	pnl, err := b.risk.OnPositionClosed(positionID, exitPrice, reason, at)
	if err != nil {
		return pnl, err
	}

	b.alert(alerting.EventPositionClosed, "position closed",
		"position_id", positionID,
		"exit_price", exitPrice.String(),
		"reason", string(reason),
		"pnl_points", pnl.String(),
	)
	return pnl, nil
}

// OnPositionFailed marks a lot FAILED and escalates to the operator.
// The broker-side position is still open and must be flattened manually.
func (b *StateBridge) OnPositionFailed(positionID string, reason types.ExitReason) error {
	err := b.risk.OnPositionFailed(positionID, reason)
	if err != nil {
		return err
	}

	if reason == types.ExitReasonFillFailure {
		b.alert(alerting.EventChaseExhausted, "chase retries exhausted",
			"position_id", positionID,
		)
	}
	b.alert(alerting.EventPositionFailed, "exit failed, manual flattening required",
		"position_id", positionID,
		"reason", string(reason),
	)
	return nil
}

func (b *StateBridge) alert(event alerting.AlertEvent, message string, fields ...any) {
	if b.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...); err != nil {
		b.logger.Warn("alert delivery failed", "event", string(event), "error", err)
	}
}
