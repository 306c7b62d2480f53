// Package persistence provides durable state storage and the async
// write-behind worker that keeps database I/O off the quote path.
package persistence

import (
	"context"

	"github.com/tathienbao/multilot-bot/internal/types"
)

// Store defines the narrow CRUD contract against the durable state store.
// The core never inspects raw rows; all access goes through typed models.
type Store interface {
	// Group operations. SaveGroup upserts on (trade_date, group_no).
	SaveGroup(ctx context.Context, group *types.StrategyGroup) error
	GetGroup(ctx context.Context, tradeDate string, groupNo int) (*types.StrategyGroup, error)
	GetOpenGroups(ctx context.Context) ([]*types.StrategyGroup, error)

	// Position operations. SavePosition upserts on position id.
	SavePosition(ctx context.Context, position *types.Position) error
	GetPosition(ctx context.Context, positionID string) (*types.Position, error)
	GetOpenPositions(ctx context.Context) ([]*types.Position, error)
	GetPositionsByGroup(ctx context.Context, groupKey string) ([]*types.Position, error)

	// Risk state operations. SaveRiskState upserts on position id.
	SaveRiskState(ctx context.Context, state *types.RiskState) error
	GetRiskState(ctx context.Context, positionID string) (*types.RiskState, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
