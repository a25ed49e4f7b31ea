package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

// DecodeFloat32 combines two registers into an IEEE-754 single and widens it.
// With "AB CD" word0 is the high half, with "CD AB" word0 is the low half.
func DecodeFloat32(words []uint16, order domain.WordOrder) (float64, error) {
	if len(words) < 2 {
		return 0, fmt.Errorf("%w: float32 needs 2 registers, got %d", domain.ErrInvalidDataLength, len(words))
	}

	var high, low uint16
	switch order {
	case domain.WordOrderHighFirst, "":
		high, low = words[0], words[1]
	case domain.WordOrderLowFirst:
		high, low = words[1], words[0]
	default:
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidWordOrder, order)
	}

	bits := uint32(high)<<16 | uint32(low)
	return float64(math.Float32frombits(bits)), nil
}

// EncodeFloat32 is the inverse of DecodeFloat32.
func EncodeFloat32(v float32, order domain.WordOrder) [2]uint16 {
	bits := math.Float32bits(v)
	high, low := uint16(bits>>16), uint16(bits)
	if order == domain.WordOrderLowFirst {
		return [2]uint16{low, high}
	}
	return [2]uint16{high, low}
}

// DecodeInt16 interprets the first register as two's-complement.
func DecodeInt16(words []uint16) (int32, error) {
	if len(words) < 1 {
		return 0, fmt.Errorf("%w: int16 needs 1 register", domain.ErrInvalidDataLength)
	}
	v := int32(words[0])
	if v > 32767 {
		v -= 65536
	}
	return v, nil
}

// DecodeCoil returns the state of the first coil in a read-coils payload.
func DecodeCoil(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return data[0]&0x01 != 0
}

// Decode converts a register block according to the mapping's data type.
// NaN and infinite float32 patterns are rejected with ErrNonFiniteValue.
func Decode(words []uint16, m domain.ParameterMapping) (float64, error) {
	switch m.DataType {
	case domain.DataTypeFloat32:
		v, err := DecodeFloat32(words, m.WordOrder)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: %s", domain.ErrNonFiniteValue, m.Name)
		}
		return v, nil
	case domain.DataTypeInt16:
		v, err := DecodeInt16(words)
		return float64(v), err
	default:
		return 0, fmt.Errorf("%w: %q", domain.ErrUnsupportedDataType, m.DataType)
	}
}

// BytesToWords splits a big-endian register payload into 16-bit words.
func BytesToWords(data []byte) []uint16 {
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words
}

// WordsToBytes is the inverse of BytesToWords.
func WordsToBytes(words []uint16) []byte {
	data := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(data[i*2:], w)
	}
	return data
}
