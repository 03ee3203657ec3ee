package model

import "fmt"

// DataType classifies the normalized streams the engine serves.
type DataType uint8

const (
	DataQuote DataType = iota + 1
	DataTrade
	DataDelta
	DataBar
	DataInstrument
)

func (d DataType) String() string {
	switch d {
	case DataQuote:
		return "quote"
	case DataTrade:
		return "trade"
	case DataDelta:
		return "delta"
	case DataBar:
		return "bar"
	case DataInstrument:
		return "instrument"
	default:
		return "unknown"
	}
}

// DataTypeFromString parses the topic-segment form of a data type.
func DataTypeFromString(s string) (DataType, error) {
	switch s {
	case "quote":
		return DataQuote, nil
	case "trade":
		return DataTrade, nil
	case "delta":
		return DataDelta, nil
	case "bar":
		return DataBar, nil
	case "instrument":
		return DataInstrument, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", s)
	}
}

// Topic returns the bus topic for a data stream:
// "data.<type>.<venue>.<symbol>".
func Topic(dt DataType, id InstrumentID) string {
	return "data." + dt.String() + "." + string(id.Venue) + "." + id.Symbol
}

// BarTopic returns the bus topic for a bar stream. The bar spec rides in
// the final segment so distinct specs are distinct topics:
// "data.bar.<venue>.<symbol>-<spec>".
func BarTopic(bt BarType) string {
	return "data.bar." + string(bt.InstrumentID.Venue) + "." + bt.InstrumentID.Symbol + "-" + bt.Spec.String()
}
