package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Terminal Records
// -----------------------------------------------------------------------------

// PositionType is the direction of an open position.
type PositionType string

const (
	PositionBuy  PositionType = "POSITION_TYPE_BUY"
	PositionSell PositionType = "POSITION_TYPE_SELL"
)

// Direction returns +1 for buys and -1 for sells.
func (t PositionType) Direction() int64 {
	if t == PositionSell {
		return -1
	}
	return 1
}

// AccountInformation is the account-level summary reported by the terminal.
// Equity, Margin, FreeMargin and MarginLevel are recomputed locally.
type AccountInformation struct {
	Platform    string          `json:"platform"`
	Broker      string          `json:"broker"`
	Currency    string          `json:"currency"`
	Server      string          `json:"server"`
	Name        string          `json:"name,omitempty"`
	Login       int64           `json:"login,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
	Credit      decimal.Decimal `json:"credit"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"freeMargin"`
	Leverage    decimal.Decimal `json:"leverage"`
	MarginLevel decimal.Decimal `json:"marginLevel"`
}

// Position is an open trading position.
type Position struct {
	ID               string          `json:"id"`
	Type             PositionType    `json:"type"`
	Symbol           string          `json:"symbol"`
	Magic            int64           `json:"magic,omitempty"`
	Time             time.Time       `json:"time"`
	UpdateTime       time.Time       `json:"updateTime"`
	OpenPrice        decimal.Decimal `json:"openPrice"`
	CurrentPrice     decimal.Decimal `json:"currentPrice"`
	CurrentTickValue decimal.Decimal `json:"currentTickValue"`
	Volume           decimal.Decimal `json:"volume"`
	Swap             decimal.Decimal `json:"swap"`
	Commission       decimal.Decimal `json:"commission"`
	Profit           decimal.Decimal `json:"profit"`
	UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
	RealizedProfit   decimal.Decimal `json:"realizedProfit"`
	StopLoss         decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit       decimal.Decimal `json:"takeProfit,omitempty"`
	Comment          string          `json:"comment,omitempty"`
}

// Order is a pending or historical order.
type Order struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	State         string          `json:"state"`
	Symbol        string          `json:"symbol"`
	Magic         int64           `json:"magic,omitempty"`
	Time          time.Time       `json:"time"`
	DoneTime      time.Time       `json:"doneTime,omitempty"`
	OpenPrice     decimal.Decimal `json:"openPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	Volume        decimal.Decimal `json:"volume"`
	CurrentVolume decimal.Decimal `json:"currentVolume"`
	PositionID    string          `json:"positionId,omitempty"`
	Comment       string          `json:"comment,omitempty"`
}

// Deal is an executed deal from the account history.
type Deal struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	EntryType  string          `json:"entryType,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Magic      int64           `json:"magic,omitempty"`
	Time       time.Time       `json:"time"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Swap       decimal.Decimal `json:"swap"`
	Profit     decimal.Decimal `json:"profit"`
	PositionID string          `json:"positionId,omitempty"`
	OrderID    string          `json:"orderId,omitempty"`
}

// SymbolSpecification describes a tradable instrument.
type SymbolSpecification struct {
	Symbol       string          `json:"symbol"`
	TickSize     decimal.Decimal `json:"tickSize"`
	TickValue    decimal.Decimal `json:"tickValue"`
	ContractSize decimal.Decimal `json:"contractSize"`
	MinVolume    decimal.Decimal `json:"minVolume"`
	MaxVolume    decimal.Decimal `json:"maxVolume"`
	VolumeStep   decimal.Decimal `json:"volumeStep"`
	Digits       int32           `json:"digits"`
	Description  string          `json:"description,omitempty"`
}

// SymbolPrice is the latest quote of an instrument.
type SymbolPrice struct {
	Symbol          string          `json:"symbol"`
	Bid             decimal.Decimal `json:"bid"`
	Ask             decimal.Decimal `json:"ask"`
	ProfitTickValue decimal.Decimal `json:"profitTickValue"`
	LossTickValue   decimal.Decimal `json:"lossTickValue"`
	Time            time.Time       `json:"time"`
}

// Status is a terminal heartbeat.
type Status struct {
	ConnectedToBroker bool           `json:"connected"`
	Authenticated     bool           `json:"authenticated"`
	HealthStatus      map[string]any `json:"healthStatus,omitempty"`
}
