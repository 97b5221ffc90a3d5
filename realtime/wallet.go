package realtime

import (
	"github.com/shopspring/decimal"
)

// Direction of the open position, if any. The backend never reports a
// simultaneous long and short.
type Direction string

const (
	DirectionNone  Direction = ""
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// WalletSnapshot mirrors the backend's wallet update frame. Last message
// wins; the backend is the source of truth for consistency between fields.
type WalletSnapshot struct {
	BalanceTotal decimal.Decimal `json:"balance_total"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	BalanceFree  decimal.Decimal `json:"balance_free"`
	InPosition   decimal.Decimal `json:"in_position"`
	LongAverage  decimal.Decimal `json:"long_average"`
	ShortAverage decimal.Decimal `json:"short_average"`
	Direction    Direction       `json:"direction"`
	PositionSize decimal.Decimal `json:"position_size"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
}

// HasPosition reports whether a long or short is currently open.
func (w WalletSnapshot) HasPosition() bool {
	return w.Direction == DirectionLong || w.Direction == DirectionShort
}

// UnmarshalJSON tolerates the backend sending "direction": null for a flat
// wallet.
func (d *Direction) UnmarshalJSON(data []byte) error {
	s := string(data)
	switch s {
	case "null", `""`:
		*d = DirectionNone
	case `"long"`:
		*d = DirectionLong
	case `"short"`:
		*d = DirectionShort
	default:
		*d = DirectionNone
	}
	return nil
}
