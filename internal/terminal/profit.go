package terminal

import (
	"github.com/shopspring/decimal"

	"github.com/rickgao/termsync/internal/model"
)

var hundred = decimal.NewFromInt(100)

// normalizePosition fills in the realized and unrealized split when the
// terminal only reported the total. The reported profit is never changed.
//
// With a known instrument the unrealized part is valued at the position's
// current price and tick value, and the rest of the profit is realized.
// Otherwise swap and commission are taken as realized.
func normalizePosition(p *model.Position, spec *model.SymbolSpecification) {
	if !p.UnrealizedProfit.IsZero() || !p.RealizedProfit.IsZero() {
		if p.Profit.IsZero() {
			p.Profit = p.UnrealizedProfit.Add(p.RealizedProfit)
		}
		return
	}

	if spec != nil && !spec.TickSize.IsZero() && !p.CurrentPrice.IsZero() && !p.CurrentTickValue.IsZero() {
		p.UnrealizedProfit = p.CurrentPrice.Sub(p.OpenPrice).
			Mul(decimal.NewFromInt(p.Type.Direction())).
			Mul(p.CurrentTickValue).
			Mul(p.Volume).
			Div(spec.TickSize)
		p.RealizedProfit = p.Profit.Sub(p.UnrealizedProfit)
		return
	}

	p.RealizedProfit = p.Swap.Add(p.Commission)
	p.UnrealizedProfit = p.Profit.Sub(p.RealizedProfit)
}

// applyPrice revalues a position at the given quote. Buys close at the bid,
// sells at the ask. Returns false when the instrument cannot be valued.
//
// unrealized = direction × (close − open) / tickSize × tickValue × volume,
// rounded half away from zero at the instrument's digits.
func applyPrice(p *model.Position, spec *model.SymbolSpecification, price *model.SymbolPrice) bool {
	if spec == nil || price == nil || spec.TickSize.IsZero() {
		return false
	}

	closePrice := price.Bid
	if p.Type == model.PositionSell {
		closePrice = price.Ask
	}
	if closePrice.IsZero() {
		return false
	}

	move := closePrice.Sub(p.OpenPrice).Mul(decimal.NewFromInt(p.Type.Direction()))

	tickValue := spec.TickValue
	if move.IsPositive() && !price.ProfitTickValue.IsZero() {
		tickValue = price.ProfitTickValue
	} else if !move.IsPositive() && !price.LossTickValue.IsZero() {
		tickValue = price.LossTickValue
	}

	unrealized := move.Div(spec.TickSize).Mul(tickValue).Mul(p.Volume).Round(spec.Digits)

	p.CurrentPrice = closePrice
	p.CurrentTickValue = tickValue
	p.UnrealizedProfit = unrealized
	p.Profit = unrealized.Add(p.RealizedProfit)
	return true
}

// recomputeAccount derives equity and margin fields from balance and open
// positions. Margin is only recomputed when every position can be valued.
func recomputeAccount(info *model.AccountInformation, positions map[string]*model.Position, specs map[string]*model.SymbolSpecification) {
	if info == nil {
		return
	}

	profit := decimal.Zero
	for _, p := range positions {
		profit = profit.Add(p.Profit)
	}
	info.Equity = info.Balance.Add(info.Credit).Add(profit)

	if info.Leverage.IsPositive() {
		margin := decimal.Zero
		complete := true
		for _, p := range positions {
			spec := specs[p.Symbol]
			if spec == nil || spec.ContractSize.IsZero() || p.CurrentPrice.IsZero() {
				complete = false
				break
			}
			margin = margin.Add(p.Volume.Mul(spec.ContractSize).Mul(p.CurrentPrice))
		}
		if complete {
			info.Margin = margin.Div(info.Leverage).Round(2)
		}
	}

	info.FreeMargin = info.Equity.Sub(info.Margin)
	if info.Margin.IsPositive() {
		info.MarginLevel = info.Equity.Div(info.Margin).Mul(hundred).Round(2)
	} else {
		info.MarginLevel = decimal.Zero
	}
}
