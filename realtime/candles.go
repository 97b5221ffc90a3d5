package realtime

// Candle is one OHLC record keyed by its open time in epoch seconds.
type Candle struct {
	Time  int64   `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

func (c Candle) sane() bool {
	return c.High >= c.Low && c.Open > 0 && c.Close > 0
}

// ApplyResult reports how the series handled an incremental update.
type ApplyResult int

const (
	// Dropped: the update was older than the latest candle and did not
	// match it. Out-of-order data is never applied.
	Dropped ApplyResult = iota
	// Replaced: the update's timestamp equals the latest candle's, so it
	// replaced that candle in place.
	Replaced
	// Appended: the update was strictly newer and became the new latest
	// candle.
	Appended
)

// Series holds candles in strictly increasing time order. It is not safe for
// concurrent use; the session run loop is its only writer.
type Series struct {
	candles []Candle
}

// SetWindow replaces the series with an initial historical window. The input
// must already be sorted ascending (DecodeFrame guarantees this).
func (s *Series) SetWindow(window []Candle) {
	s.candles = append(s.candles[:0], window...)
}

// Apply merges one incremental update per the ordering rules: equal timestamp
// replaces the latest candle, strictly greater appends, anything else drops.
func (s *Series) Apply(c Candle) ApplyResult {
	last, ok := s.Last()
	switch {
	case ok && c.Time == last.Time:
		s.candles[len(s.candles)-1] = c
		return Replaced
	case !ok || c.Time > last.Time:
		s.candles = append(s.candles, c)
		return Appended
	default:
		return Dropped
	}
}

// Last returns the most recent candle.
func (s *Series) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Candles returns a copy of the stored candles in time order.
func (s *Series) Candles() []Candle {
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Len reports the number of stored candles.
func (s *Series) Len() int { return len(s.candles) }
