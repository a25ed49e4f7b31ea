package domain

import "strings"

// DataType names how a register block is interpreted.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeInt16   DataType = "int16"
)

// IsSupported reports whether the decoder understands the data type.
func (t DataType) IsSupported() bool {
	return t == DataTypeFloat32 || t == DataTypeInt16
}

// WordOrder specifies how two 16-bit words form a 32-bit value.
type WordOrder string

const (
	// WordOrderHighFirst means word0 is the high half.
	WordOrderHighFirst WordOrder = "AB CD"
	// WordOrderLowFirst means word0 is the low half.
	WordOrderLowFirst WordOrder = "CD AB"
)

// IsValid reports whether the word order is recognized.
func (o WordOrder) IsValid() bool {
	return o == WordOrderHighFirst || o == WordOrderLowFirst
}

// ParameterMapping binds a named parameter to a register block on a device.
type ParameterMapping struct {
	Name      string    `json:"name" yaml:"name"`
	Unit      string    `json:"unit,omitempty" yaml:"unit,omitempty"`
	Device    string    `json:"device" yaml:"device"`
	Address   uint16    `json:"address" yaml:"address"`
	DataType  DataType  `json:"dataType" yaml:"dataType"`
	WordOrder WordOrder `json:"format" yaml:"format"`
	Count     uint16    `json:"count" yaml:"count"`
}

// RegisterCount returns the number of registers to read for this mapping.
func (m ParameterMapping) RegisterCount() uint16 {
	if m.Count > 0 {
		return m.Count
	}
	if m.DataType == DataTypeInt16 {
		return 1
	}
	return 2
}

// Normalize fills in defaults for omitted fields.
func (m ParameterMapping) Normalize() ParameterMapping {
	m.Name = strings.TrimSpace(m.Name)
	m.Device = strings.TrimSpace(m.Device)
	if m.DataType == "" {
		m.DataType = DataTypeFloat32
	}
	if m.WordOrder == "" {
		m.WordOrder = WordOrderHighFirst
	}
	if m.Count == 0 {
		m.Count = m.RegisterCount()
	}
	return m
}

// Validate checks the structural fields of the mapping. Unknown data types
// are accepted here and rejected by the decoder at read time.
func (m ParameterMapping) Validate() error {
	if m.Name == "" {
		return NewConfigError("mapping.name", "is required")
	}
	if m.Device == "" {
		return NewConfigError("mapping.device", "is required for parameter %q", m.Name)
	}
	if !m.WordOrder.IsValid() {
		return NewConfigError("mapping.format", "unknown word order %q for parameter %q", m.WordOrder, m.Name)
	}
	return nil
}

// MappingTable is the raw content supplied by the configuration collaborator.
type MappingTable struct {
	Devices       []DeviceDescriptor `json:"devices" yaml:"devices"`
	Mappings      []ParameterMapping `json:"mappings" yaml:"mappings"`
	DigitalPoints []DigitalPoint     `json:"status_alarm" yaml:"status_alarm"`
}
