package modbus_test

import (
	"math"
	"testing"

	"github.com/yutthachai69/cems2-2newupdate/internal/adapter/modbus"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

func FuzzFloat32RoundTrip(f *testing.F) {
	f.Add(uint16(0x4248), uint16(0x0000), true)
	f.Add(uint16(0x0000), uint16(0x4248), false)
	f.Add(uint16(0x7FC0), uint16(0x0000), true)
	f.Add(uint16(0xFFFF), uint16(0xFFFF), false)

	f.Fuzz(func(t *testing.T, w0, w1 uint16, highFirst bool) {
		order := domain.WordOrderLowFirst
		if highFirst {
			order = domain.WordOrderHighFirst
		}

		v, err := modbus.DecodeFloat32([]uint16{w0, w1}, order)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if math.IsNaN(v) {
			return
		}

		got := modbus.EncodeFloat32(float32(v), order)
		if got != [2]uint16{w0, w1} {
			t.Errorf("round trip of %04x %04x gave %04x %04x", w0, w1, got[0], got[1])
		}
	})
}

func FuzzDecodeNeverPanics(f *testing.F) {
	f.Add([]byte{0x42, 0x48, 0x00, 0x00}, "float32", "AB CD")
	f.Add([]byte{0xFF, 0xFF}, "int16", "")
	f.Add([]byte{}, "float32", "CD AB")
	f.Add([]byte{0x01}, "uint32", "BA DC")

	f.Fuzz(func(t *testing.T, data []byte, dataType, order string) {
		m := domain.ParameterMapping{
			Name:      "SO2",
			DataType:  domain.DataType(dataType),
			WordOrder: domain.WordOrder(order),
		}
		words := modbus.BytesToWords(data)

		v, err := modbus.Decode(words, m)
		if err != nil {
			if v != 0 {
				t.Errorf("expected zero value on error, got %v", v)
			}
			return
		}
		if m.DataType == domain.DataTypeInt16 && (v < -32768 || v > 32767) {
			t.Errorf("int16 decoded out of range: %v", v)
		}
		if len(data)%2 == 0 {
			if back := modbus.WordsToBytes(words); string(back) != string(data) {
				t.Errorf("word conversion is not reversible")
			}
		}
	})
}
