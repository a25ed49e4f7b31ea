package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// Sample status values produced by the source cascade.
const (
	StatusLive   = "connected (live)"
	StatusNoData = "no data available"
)

// Parameter names with special handling.
const (
	ParamSO2         = "SO2"
	ParamNOx         = "NOx"
	ParamO2          = "O2"
	ParamCO          = "CO"
	ParamDust        = "Dust"
	ParamTemperature = "Temperature"
	ParamVelocity    = "Velocity"
	ParamFlowrate    = "Flowrate"
	ParamPressure    = "Pressure"
	ParamHumidity    = "Humidity"
)

// ParameterInfo describes a standard CEMS parameter.
type ParameterInfo struct {
	Name string
	Unit string
	Min  float64
	Max  float64
}

// StandardParameters is the catalogue of parameters every sample reports,
// whether or not they are currently mapped.
var StandardParameters = []ParameterInfo{
	{Name: ParamSO2, Unit: "ppm", Min: 0, Max: 1000},
	{Name: ParamNOx, Unit: "ppm", Min: 0, Max: 1000},
	{Name: ParamO2, Unit: "%", Min: 0, Max: 25},
	{Name: ParamCO, Unit: "ppm", Min: 0, Max: 1000},
	{Name: ParamDust, Unit: "mg/m³", Min: 0, Max: 100},
	{Name: ParamTemperature, Unit: "°C", Min: 0, Max: 500},
	{Name: ParamVelocity, Unit: "m/s", Min: 0, Max: 50},
	{Name: ParamFlowrate, Unit: "m³/h", Min: 0, Max: 50000},
	{Name: ParamPressure, Unit: "Pa", Min: -1000, Max: 1000},
}

// StandardParameterNames returns the names of StandardParameters in catalogue order.
func StandardParameterNames() []string {
	names := make([]string, len(StandardParameters))
	for i, p := range StandardParameters {
		names[i] = p.Name
	}
	return names
}

// ParameterSet maps parameter names to engineering values.
type ParameterSet map[string]float64

// Get returns the value for name, or 0 when absent.
func (p ParameterSet) Get(name string) float64 {
	return p[name]
}

// Lookup returns the value for name and whether it is present.
func (p ParameterSet) Lookup(name string) (float64, bool) {
	v, ok := p[name]
	return v, ok
}

// Names returns the parameter names in sorted order.
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge applies one contribution for name. A later non-zero value replaces
// an earlier one; a later zero never shadows a value already present.
func (p ParameterSet) Merge(name string, value float64) {
	if existing, ok := p[name]; ok && existing != 0 && value == 0 {
		return
	}
	p[name] = value
}

// MergeAll merges every entry of other in sorted name order.
func (p ParameterSet) MergeAll(other ParameterSet) {
	for _, name := range other.Names() {
		p.Merge(name, other[name])
	}
}

// Project returns a set containing exactly names; names missing from p are 0.
func (p ParameterSet) Project(names []string) ParameterSet {
	out := make(ParameterSet, len(names))
	for _, name := range names {
		out[name] = p[name]
	}
	return out
}

// SO2 is a derived accessor kept for legacy consumers.
func (p ParameterSet) SO2() float64 { return p[ParamSO2] }

// NOx is a derived accessor kept for legacy consumers.
func (p ParameterSet) NOx() float64 { return p[ParamNOx] }

// O2 is a derived accessor kept for legacy consumers.
func (p ParameterSet) O2() float64 { return p[ParamO2] }

// CO is a derived accessor kept for legacy consumers.
func (p ParameterSet) CO() float64 { return p[ParamCO] }

// Dust is a derived accessor kept for legacy consumers.
func (p ParameterSet) Dust() float64 { return p[ParamDust] }

// Sample is one resolved reading of a stack.
type Sample struct {
	StackID   string       `json:"stack_id"`
	StackName string       `json:"stack_name,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Data      ParameterSet `json:"data"`
	Corrected ParameterSet `json:"corrected_data,omitempty"`
	Status    string       `json:"status"`
}

// IsLive reports whether the sample came from live acquisition.
func (s Sample) IsLive() bool {
	return s.Status == StatusLive
}

// ToJSON serializes the sample to JSON.
func (s Sample) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}
