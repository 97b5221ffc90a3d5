package realtime

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// FrameKind tags an inbound frame after decoding at the transport boundary.
// Anything the backend sends that does not match a known shape decodes to
// FrameUnrecognized rather than falling through silently.
type FrameKind int

const (
	FrameUnrecognized FrameKind = iota
	FrameAuthAck
	FrameAuthError
	FrameCandleWindow
	FrameCandleUpdate
	FrameWalletUpdate
)

// Frame is the decoded form of one inbound message. Exactly the fields for
// its Kind are populated.
type Frame struct {
	Kind FrameKind

	// FrameAuthError
	Err string

	// FrameCandleWindow: sanitized and sorted by ascending time.
	Window []Candle

	// FrameCandleUpdate
	Update Candle

	// FrameWalletUpdate
	Wallet WalletSnapshot
}

// DecodeFrame classifies a raw frame into one of the known shapes. Candle
// records failing basic sanity and updates with malformed timestamps decode
// to FrameUnrecognized so they are never applied.
func DecodeFrame(data []byte) Frame {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return Frame{Kind: FrameUnrecognized}
	}

	if raw, ok := obj["authenticated"]; ok {
		var authed bool
		if json.Unmarshal(raw, &authed) == nil && authed {
			return Frame{Kind: FrameAuthAck}
		}
	}

	if raw, ok := obj["error"]; ok {
		var msg string
		if json.Unmarshal(raw, &msg) == nil {
			return Frame{Kind: FrameAuthError, Err: msg}
		}
	}

	if isCandleWindow(obj) {
		return decodeWindow(obj)
	}

	if isWalletUpdate(obj) {
		return decodeWallet(obj)
	}

	if isCandleUpdate(obj) {
		if c, ok := decodeCandleObject(obj); ok {
			return Frame{Kind: FrameCandleUpdate, Update: c}
		}
		return Frame{Kind: FrameUnrecognized}
	}

	return Frame{Kind: FrameUnrecognized}
}

func frameType(obj map[string]json.RawMessage) string {
	raw, ok := obj["type"]
	if !ok {
		return ""
	}
	var typ string
	if json.Unmarshal(raw, &typ) != nil {
		return ""
	}
	return typ
}

func isCandleWindow(obj map[string]json.RawMessage) bool {
	if frameType(obj) == "prices" {
		return true
	}
	raw, ok := obj["window"]
	if !ok {
		return false
	}
	var arr []json.RawMessage
	return json.Unmarshal(raw, &arr) == nil
}

func isWalletUpdate(obj map[string]json.RawMessage) bool {
	if frameType(obj) != "wallet" {
		return false
	}
	_, ok := obj["wallet"]
	return ok
}

var candleTimeKeys = []string{"timestamp", "open_time", "time", "t"}

func isCandleUpdate(obj map[string]json.RawMessage) bool {
	for _, key := range candleTimeKeys {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	_, ok := obj["open"]
	return ok
}

func decodeWindow(obj map[string]json.RawMessage) Frame {
	items := obj["window"]
	if items == nil {
		items = obj["data"]
	}
	var arr []json.RawMessage
	if items == nil || json.Unmarshal(items, &arr) != nil {
		return Frame{Kind: FrameUnrecognized}
	}

	window := make([]Candle, 0, len(arr))
	for _, raw := range arr {
		if c, ok := decodeCandle(raw); ok {
			window = append(window, c)
		}
	}
	sort.Slice(window, func(i, j int) bool { return window[i].Time < window[j].Time })
	return Frame{Kind: FrameCandleWindow, Window: window}
}

func decodeWallet(obj map[string]json.RawMessage) Frame {
	var w WalletSnapshot
	if err := json.Unmarshal(obj["wallet"], &w); err != nil {
		return Frame{Kind: FrameUnrecognized}
	}
	return Frame{Kind: FrameWalletUpdate, Wallet: w}
}

func decodeCandle(raw json.RawMessage) (Candle, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return decodeCandleObject(obj)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) >= 5 {
		return decodeCandleArray(arr)
	}
	return Candle{}, false
}

func decodeCandleObject(obj map[string]json.RawMessage) (Candle, bool) {
	var tsRaw json.RawMessage
	for _, key := range candleTimeKeys {
		if raw, ok := obj[key]; ok {
			tsRaw = raw
			break
		}
	}
	ts, ok := ParseTimestamp(tsRaw)
	if !ok {
		return Candle{}, false
	}

	open, ok1 := parsePrice(obj["open"])
	high, ok2 := parsePrice(obj["high"])
	low, ok3 := parsePrice(obj["low"])
	closeP, ok4 := parsePrice(obj["close"])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Candle{}, false
	}

	c := Candle{Time: ts, Open: open, High: high, Low: low, Close: closeP}
	if !c.sane() {
		return Candle{}, false
	}
	return c, true
}

func decodeCandleArray(arr []json.RawMessage) (Candle, bool) {
	ts, ok := ParseTimestamp(arr[0])
	if !ok {
		return Candle{}, false
	}
	open, ok1 := parsePrice(arr[1])
	high, ok2 := parsePrice(arr[2])
	low, ok3 := parsePrice(arr[3])
	closeP, ok4 := parsePrice(arr[4])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Candle{}, false
	}

	c := Candle{Time: ts, Open: open, High: high, Low: low, Close: closeP}
	if !c.sane() {
		return Candle{}, false
	}
	return c, true
}

func parsePrice(raw json.RawMessage) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f, true
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// msEpochThreshold: epoch values with more than 10 digits are milliseconds.
const msEpochThreshold = 9999999999

// ParseTimestamp coerces a raw timestamp value to integer epoch seconds.
// Values above the 10-digit range are treated as millisecond epochs; date
// strings are accepted; anything else is malformed and reports ok=false.
func ParseTimestamp(raw json.RawMessage) (int64, bool) {
	if raw == nil {
		return 0, false
	}

	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return normalizeEpoch(int64(f)), true
	}

	var s string
	if json.Unmarshal(raw, &s) != nil {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return normalizeEpoch(int64(f)), true
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.Unix(), true
		}
	}
	return 0, false
}

func normalizeEpoch(n int64) int64 {
	if n > msEpochThreshold {
		return n / 1000
	}
	return n
}
