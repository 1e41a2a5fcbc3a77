package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/zlib"
)

// Kind classifies a decoded transport buffer.
type Kind int

const (
	KindUnknown Kind = iota
	KindHeartbeat
	KindTextControl
	KindData
)

// ControlMessage is a parsed TEXT_CONTROL payload — typically a broker
// error envelope of the shape {"type":"error","data":...}.
type ControlMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Result is the outcome of decoding one transport buffer. Warnings records
// recoverable problems (decompression failure, invalid packet length) the
// caller should log; Decode itself never performs I/O or logging so it
// stays referentially transparent (spec: identical input, identical output).
type Result struct {
	Kind     Kind
	Ticks    []Tick
	Control  *ControlMessage
	Warnings []string
}

// Decode classifies buf and, for DATA frames, parses every well-formed
// packet into a Tick. Malformed packets are skipped, not fatal: a short
// buffer mid-iteration halts decoding and returns the ticks seen so far.
func Decode(buf []byte) Result {
	switch {
	case len(buf) == 1 && buf[0] == 0x00:
		return Result{Kind: KindHeartbeat}

	case len(buf) > 0 && buf[0] == '{':
		if ctl, ok := decodeControl(buf); ok {
			return Result{Kind: KindTextControl, Control: ctl}
		}
		// Not valid JSON control — falls through to binary decode.

	case len(buf) >= 2 && buf[0] == 0x78 && isZlibSecondByte(buf[1]):
		inflated, warn := inflate(buf)
		if warn != "" {
			return Result{Kind: KindData, Warnings: []string{warn}}
		}
		buf = inflated
	}

	ticks, warnings := decodeBinary(buf)
	return Result{Kind: KindData, Ticks: ticks, Warnings: warnings}
}

func isZlibSecondByte(b byte) bool {
	return b == 0x9C || b == 0x01 || b == 0xDA
}

func decodeControl(buf []byte) (*ControlMessage, bool) {
	if !utf8.Valid(buf) {
		return nil, false
	}
	var ctl ControlMessage
	if err := json.Unmarshal(buf, &ctl); err != nil {
		return nil, false
	}
	return &ctl, true
}

func inflate(buf []byte) ([]byte, string) {
	r, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, "wire: zlib open failed: " + err.Error()
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, "wire: zlib inflate failed: " + err.Error()
	}
	return out, ""
}

// decodeBinary parses the `u16 n` packet-count-prefixed binary frame
// described in the wire format and returns every packet it could decode
// plus warnings for any it had to skip.
func decodeBinary(buf []byte) ([]Tick, []string) {
	if len(buf) < 2 {
		return nil, nil
	}

	n := binary.BigEndian.Uint16(buf[0:2])
	offset := 2

	var ticks []Tick
	var warnings []string

	for i := uint16(0); i < n; i++ {
		if offset+2 > len(buf) {
			break // short buffer: halt, return what we have
		}
		plen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2

		if offset+plen > len(buf) {
			break // short buffer mid-packet
		}
		packet := buf[offset : offset+plen]
		offset += plen

		tick, ok := decodePacket(packet)
		if !ok {
			warnings = append(warnings, "wire: invalid packet length, discarded")
			continue
		}
		ticks = append(ticks, tick)
	}

	return ticks, warnings
}

func decodePacket(p []byte) (Tick, bool) {
	if len(p) < 8 {
		return Tick{}, false
	}

	t := Tick{
		Token:     binary.BigEndian.Uint32(p[0:4]),
		LastPrice: PriceFromHundredths(binary.BigEndian.Uint32(p[4:8])),
	}

	switch {
	case len(p) == 8:
		t.Mode = ModeLTP
		return t, true

	case len(p) == 28:
		t.Mode = ModeIndexQuote
		t.OHLC.High = PriceFromHundredths(binary.BigEndian.Uint32(p[8:12]))
		t.OHLC.Low = PriceFromHundredths(binary.BigEndian.Uint32(p[12:16]))
		t.OHLC.Open = PriceFromHundredths(binary.BigEndian.Uint32(p[16:20]))
		t.OHLC.Close = PriceFromHundredths(binary.BigEndian.Uint32(p[20:24]))
		t.Change = PriceFromHundredths(binary.BigEndian.Uint32(p[24:28]))
		return t, true

	case len(p) >= 184:
		decodeQuoteFields(&t, p)
		t.Mode = ModeFull
		t.LastTradeTime = binary.BigEndian.Uint32(p[44:48])
		t.OI = binary.BigEndian.Uint32(p[48:52])
		t.OIDayHigh = binary.BigEndian.Uint32(p[52:56])
		t.OIDayLow = binary.BigEndian.Uint32(p[56:60])
		t.ExchangeTimestamp = binary.BigEndian.Uint32(p[60:64])
		decodeDepth(&t.Depth, p[64:184])
		return t, true

	case len(p) >= 44:
		decodeQuoteFields(&t, p)
		t.Mode = ModeQuote
		return t, true

	default:
		return Tick{}, false
	}
}

func decodeQuoteFields(t *Tick, p []byte) {
	t.LastTradedQty = int32(binary.BigEndian.Uint32(p[8:12]))
	t.AvgTradedPrice = PriceFromHundredths(binary.BigEndian.Uint32(p[12:16]))
	t.VolumeTraded = binary.BigEndian.Uint32(p[16:20])
	t.TotalBuyQty = binary.BigEndian.Uint32(p[20:24])
	t.TotalSellQty = binary.BigEndian.Uint32(p[24:28])
	t.OHLC.Open = PriceFromHundredths(binary.BigEndian.Uint32(p[28:32]))
	t.OHLC.High = PriceFromHundredths(binary.BigEndian.Uint32(p[32:36]))
	t.OHLC.Low = PriceFromHundredths(binary.BigEndian.Uint32(p[36:40]))
	t.OHLC.Close = PriceFromHundredths(binary.BigEndian.Uint32(p[40:44]))
	t.Change = t.LastPrice.Sub(t.OHLC.Close)
}

// decodeDepth reads the 10 fixed 12-byte levels (5 buy, 5 sell) that
// follow the quote fields in a FULL-mode packet.
func decodeDepth(d *Depth, b []byte) {
	for i := 0; i < 5; i++ {
		d.Buy[i] = decodeDepthLevel(b[i*12 : i*12+12])
	}
	for i := 0; i < 5; i++ {
		off := 60 + i*12
		d.Sell[i] = decodeDepthLevel(b[off : off+12])
	}
}

func decodeDepthLevel(b []byte) DepthLevel {
	return DepthLevel{
		Qty:    binary.BigEndian.Uint32(b[0:4]),
		Price:  PriceFromHundredths(binary.BigEndian.Uint32(b[4:8])),
		Orders: binary.BigEndian.Uint16(b[8:10]),
		// b[10:12] is padding.
	}
}
