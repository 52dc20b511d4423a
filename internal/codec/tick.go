// Package codec decodes binary market data frames into domain ticks.
//
// Frames are protobuf messages of the following shape, encoded and decoded
// directly with protowire so the feed has no generated code to keep in sync:
//
//	message TickFrame {
//	  uint32 schema_version = 1;
//	  string instrument     = 2;
//	  int64  exchange_ns    = 3;
//	  double last           = 4;
//	  repeated Level bids   = 5;
//	  repeated Level asks   = 6;
//	  uint64 seq            = 7;
//	  fixed32 crc32         = 15; // optional, IEEE over preceding bytes
//	}
//	message Level { double price = 1; double size = 2; }
package codec

import (
	"hash/crc32"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// SchemaVersion is the only frame version this codec accepts.
const SchemaVersion = 1

const (
	fieldVersion    protowire.Number = 1
	fieldInstrument protowire.Number = 2
	fieldExchangeNs protowire.Number = 3
	fieldLast       protowire.Number = 4
	fieldBids       protowire.Number = 5
	fieldAsks       protowire.Number = 6
	fieldSeq        protowire.Number = 7
	fieldChecksum   protowire.Number = 15

	fieldLevelPrice protowire.Number = 1
	fieldLevelSize  protowire.Number = 2
)

// Encode serializes t as a version 1 frame. When withChecksum is set a
// trailing CRC32 field is appended.
func Encode(t domain.Tick, withChecksum bool) []byte {
	b := make([]byte, 0, 64+len(t.Instrument)+24*(len(t.Bids)+len(t.Asks)))
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, SchemaVersion)
	b = protowire.AppendTag(b, fieldInstrument, protowire.BytesType)
	b = protowire.AppendString(b, t.Instrument)
	if !t.ExchangeTime.IsZero() {
		b = protowire.AppendTag(b, fieldExchangeNs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.ExchangeTime.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldLast, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(t.Last))
	for _, lvl := range t.Bids {
		b = protowire.AppendTag(b, fieldBids, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeLevel(lvl))
	}
	for _, lvl := range t.Asks {
		b = protowire.AppendTag(b, fieldAsks, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeLevel(lvl))
	}
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, t.Seq)
	if withChecksum {
		sum := crc32.ChecksumIEEE(b)
		b = protowire.AppendTag(b, fieldChecksum, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, sum)
	}
	return b
}

func encodeLevel(lvl domain.Level) []byte {
	b := make([]byte, 0, 18)
	b = protowire.AppendTag(b, fieldLevelPrice, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(lvl.Price))
	b = protowire.AppendTag(b, fieldLevelSize, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(lvl.Size))
	return b
}

// Decode parses one frame. Every failure is a *domain.DecodeError of kind
// malformed; Decode never panics on hostile input.
func Decode(frame []byte) (domain.Tick, error) {
	if len(frame) == 0 {
		return domain.Tick{}, domain.Malformed("empty frame")
	}

	var (
		t          domain.Tick
		version    uint64
		hasVersion bool
	)

	b := frame
	for len(b) > 0 {
		offset := len(frame) - len(b)
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return domain.Tick{}, domain.Malformed("tag at offset %d: %v", offset, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldVersion:
			v, m, err := consumeVarint(num, typ, b)
			if err != nil {
				return domain.Tick{}, err
			}
			version, hasVersion = v, true
			b = b[m:]

		case fieldInstrument:
			if typ != protowire.BytesType {
				return domain.Tick{}, wrongType(num, typ)
			}
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return domain.Tick{}, domain.Malformed("instrument: %v", protowire.ParseError(m))
			}
			t.Instrument = s
			b = b[m:]

		case fieldExchangeNs:
			v, m, err := consumeVarint(num, typ, b)
			if err != nil {
				return domain.Tick{}, err
			}
			t.ExchangeTime = time.Unix(0, int64(v)).UTC()
			b = b[m:]

		case fieldLast:
			v, m, err := consumeDouble(num, typ, b)
			if err != nil {
				return domain.Tick{}, err
			}
			t.Last = v
			b = b[m:]

		case fieldBids, fieldAsks:
			if typ != protowire.BytesType {
				return domain.Tick{}, wrongType(num, typ)
			}
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return domain.Tick{}, domain.Malformed("level: %v", protowire.ParseError(m))
			}
			lvl, err := decodeLevel(raw)
			if err != nil {
				return domain.Tick{}, err
			}
			if num == fieldBids {
				t.Bids = append(t.Bids, lvl)
			} else {
				t.Asks = append(t.Asks, lvl)
			}
			b = b[m:]

		case fieldSeq:
			v, m, err := consumeVarint(num, typ, b)
			if err != nil {
				return domain.Tick{}, err
			}
			t.Seq = v
			b = b[m:]

		case fieldChecksum:
			if typ != protowire.Fixed32Type {
				return domain.Tick{}, wrongType(num, typ)
			}
			want, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return domain.Tick{}, domain.Malformed("checksum: %v", protowire.ParseError(m))
			}
			if got := crc32.ChecksumIEEE(frame[:offset]); got != want {
				return domain.Tick{}, domain.Malformed("checksum mismatch: got %08x want %08x", got, want)
			}
			if len(b) != m {
				return domain.Tick{}, domain.Malformed("%d bytes after checksum", len(b)-m)
			}
			b = b[m:]

		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return domain.Tick{}, domain.Malformed("field %d: %v", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}

	if !hasVersion {
		return domain.Tick{}, domain.Malformed("missing schema version")
	}
	if version != SchemaVersion {
		return domain.Tick{}, domain.Malformed("unknown schema version %d", version)
	}
	if t.Instrument == "" {
		return domain.Tick{}, domain.Malformed("missing instrument")
	}
	if !finite(t.Last) || t.Last < 0 {
		return domain.Tick{}, domain.Malformed("invalid last price %v", t.Last)
	}
	return t, nil
}

func decodeLevel(raw []byte) (domain.Level, error) {
	var lvl domain.Level
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return domain.Level{}, domain.Malformed("level tag: %v", protowire.ParseError(n))
		}
		raw = raw[n:]
		switch num {
		case fieldLevelPrice, fieldLevelSize:
			v, m, err := consumeDouble(num, typ, raw)
			if err != nil {
				return domain.Level{}, err
			}
			if num == fieldLevelPrice {
				lvl.Price = v
			} else {
				lvl.Size = v
			}
			raw = raw[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, raw)
			if m < 0 {
				return domain.Level{}, domain.Malformed("level field %d: %v", num, protowire.ParseError(m))
			}
			raw = raw[m:]
		}
	}
	if !finite(lvl.Price) || !finite(lvl.Size) || lvl.Price < 0 || lvl.Size < 0 {
		return domain.Level{}, domain.Malformed("invalid level %v@%v", lvl.Size, lvl.Price)
	}
	return lvl, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wrongType(num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, domain.Malformed("field %d: %v", num, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeDouble(num protowire.Number, typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, wrongType(num, typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, domain.Malformed("field %d: %v", num, protowire.ParseError(n))
	}
	return math.Float64frombits(v), n, nil
}

func wrongType(num protowire.Number, typ protowire.Type) error {
	return domain.Malformed("field %d: unexpected wire type %d", num, typ)
}
