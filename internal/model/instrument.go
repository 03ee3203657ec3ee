package model

import (
	"github.com/shopspring/decimal"
)

// Instrument describes a tradeable instrument. Instances are immutable
// after creation and looked up by id; adapters construct them during
// instrument discovery.
type Instrument struct {
	ID             InstrumentID    `json:"id"`
	PricePrecision int32           `json:"price_precision"`
	SizePrecision  int32           `json:"size_precision"`
	TickSize       decimal.Decimal `json:"tick_size"`
	LotStep        decimal.Decimal `json:"lot_step"`
}

// NewInstrument returns an instrument definition. Precisions are digit
// counts to the right of the decimal point.
func NewInstrument(id InstrumentID, pricePrecision, sizePrecision int32, tickSize, lotStep decimal.Decimal) *Instrument {
	return &Instrument{
		ID:             id,
		PricePrecision: pricePrecision,
		SizePrecision:  sizePrecision,
		TickSize:       tickSize,
		LotStep:        lotStep,
	}
}

// RoundPrice rounds a raw price to the instrument's price precision.
func (i *Instrument) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(i.PricePrecision)
}

// RoundSize rounds a raw size to the instrument's size precision.
func (i *Instrument) RoundSize(s decimal.Decimal) decimal.Decimal {
	return s.Round(i.SizePrecision)
}
