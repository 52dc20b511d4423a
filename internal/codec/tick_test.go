package codec

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

func sampleTick() domain.Tick {
	return domain.Tick{
		Instrument:   "NSE:NIFTY",
		ExchangeTime: time.Unix(1_700_000_000, 123_000_000).UTC(),
		Last:         19500.25,
		Bids:         []domain.Level{{Price: 19500, Size: 75}, {Price: 19499.5, Size: 150}},
		Asks:         []domain.Level{{Price: 19500.5, Size: 50}},
		Seq:          42,
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, withChecksum := range []bool{false, true} {
		got, err := Decode(Encode(sampleTick(), withChecksum))
		require.NoError(t, err)
		assert.Equal(t, sampleTick(), got)
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	frame := Encode(sampleTick(), false)
	frame = protowire.AppendTag(frame, 20, protowire.BytesType)
	frame = protowire.AppendString(frame, "venue-extension")

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Seq)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good := Encode(sampleTick(), true)

	badVersion := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	badVersion = protowire.AppendVarint(badVersion, 7)
	badVersion = protowire.AppendTag(badVersion, fieldInstrument, protowire.BytesType)
	badVersion = protowire.AppendString(badVersion, "X")

	noVersion := protowire.AppendTag(nil, fieldInstrument, protowire.BytesType)
	noVersion = protowire.AppendString(noVersion, "X")

	wrongWire := protowire.AppendTag(nil, fieldVersion, protowire.Fixed64Type)
	wrongWire = protowire.AppendFixed64(wrongWire, 1)

	corrupted := append([]byte(nil), good...)
	corrupted[5] ^= 0xff

	trailing := append(append([]byte(nil), good...), 0x08, 0x01)

	withLevel := func(bid domain.Level) []byte {
		tk := sampleTick()
		tk.Bids = []domain.Level{bid}
		return Encode(tk, true)
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"truncated", good[:len(good)/2]},
		{"unknown version", badVersion},
		{"missing version", noVersion},
		{"wrong wire type", wrongWire},
		{"checksum mismatch", corrupted},
		{"data after checksum", trailing},
		{"nan level price", withLevel(domain.Level{Price: math.NaN(), Size: 1})},
		{"infinite level price", withLevel(domain.Level{Price: math.Inf(1), Size: 1})},
		{"infinite level size", withLevel(domain.Level{Price: 100, Size: math.Inf(-1)})},
		{"negative level price", withLevel(domain.Level{Price: -1, Size: 1})},
		{"negative level size", withLevel(domain.Level{Price: 100, Size: -5})},
		{"garbage", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			require.Error(t, err)
			var de *domain.DecodeError
			require.True(t, errors.As(err, &de), "want DecodeError, got %T", err)
			assert.Equal(t, domain.DecodeMalformed, de.Kind)
		})
	}
}

func TestDecodeNeverPanicsOnPrefixes(t *testing.T) {
	frame := Encode(sampleTick(), true)
	for i := 0; i < len(frame); i++ {
		assert.NotPanics(t, func() { _, _ = Decode(frame[:i]) })
	}
}

func TestFrameReader(t *testing.T) {
	var buf []byte
	for i := uint64(1); i <= 3; i++ {
		tk := sampleTick()
		tk.Seq = i
		buf = AppendDelimited(buf, Encode(tk, false))
	}

	fr := NewFrameReader(bytes.NewReader(buf))
	var seqs []uint64
	for {
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		tk, err := Decode(frame)
		require.NoError(t, err)
		seqs = append(seqs, tk.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}
