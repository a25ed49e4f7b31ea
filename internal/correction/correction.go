// Package correction normalizes pollutant concentrations to a reference O2 level.
package correction

import (
	"math"

	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

const (
	// DefaultReferenceO2 is the reference oxygen percentage.
	DefaultReferenceO2 = 7.0

	ambientO2       = 21.0
	singularBand    = 0.1
	maxFactor       = 10.0
	roundingDecimal = 10.0
)

// Parameters copied unchanged.
var noCorrect = map[string]struct{}{
	domain.ParamO2:          {},
	domain.ParamTemperature: {},
	domain.ParamVelocity:    {},
	domain.ParamFlowrate:    {},
	domain.ParamPressure:    {},
	domain.ParamHumidity:    {},
}

// Parameters scaled by the correction factor.
var correctable = map[string]struct{}{
	domain.ParamSO2:  {},
	domain.ParamNOx:  {},
	domain.ParamCO:   {},
	domain.ParamDust: {},
	"HCl":            {},
	"NH3":            {},
	"SO3":            {},
	"H2S":            {},
	"NO":             {},
	"NO2":            {},
}

// Engine applies O2 correction against a reference level.
type Engine struct {
	ReferenceO2 float64
}

// NewEngine returns an engine for referenceO2; non-positive values or values
// at or above ambient fall back to DefaultReferenceO2.
func NewEngine(referenceO2 float64) Engine {
	if !(referenceO2 > 0 && referenceO2 < ambientO2) {
		referenceO2 = DefaultReferenceO2
	}
	return Engine{ReferenceO2: referenceO2}
}

// Correct applies the default engine to set.
func Correct(set domain.ParameterSet) domain.ParameterSet {
	return NewEngine(DefaultReferenceO2).Correct(set)
}

// IsCorrectable reports whether name is scaled by the correction factor.
func IsCorrectable(name string) bool {
	_, ok := correctable[name]
	return ok
}

// Factor returns the correction factor for a measured O2 value, or false when
// correction must not be applied. NaN and infinite inputs are never valid.
func (e Engine) Factor(o2 float64) (float64, bool) {
	if !(o2 > 0 && o2 < ambientO2) || math.Abs(ambientO2-o2) < singularBand {
		return 1, false
	}
	ref := e.ReferenceO2
	if !(ref > 0 && ref < ambientO2) {
		ref = DefaultReferenceO2
	}
	factor := (ambientO2 - ref) / (ambientO2 - o2)
	if !(factor > 0 && factor <= maxFactor) {
		return 1, false
	}
	return factor, true
}

// Correct returns a corrected copy of set. The input is never modified.
func (e Engine) Correct(set domain.ParameterSet) domain.ParameterSet {
	out := set.Clone()

	factor, ok := e.Factor(set.Get(domain.ParamO2))
	if !ok {
		return out
	}

	for name, value := range set {
		if _, skip := noCorrect[name]; skip {
			continue
		}
		if _, scale := correctable[name]; !scale {
			continue
		}
		if value == 0 {
			out[name] = 0
			continue
		}
		out[name] = math.Round(value*factor*roundingDecimal) / roundingDecimal
	}
	return out
}
