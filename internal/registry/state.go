package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

// State is an immutable snapshot of the mapping tables.
type State struct {
	version     uint64
	loadedAt    time.Time
	devices     []domain.DeviceDescriptor
	byName      map[string]int
	mappings    []domain.ParameterMapping
	digital     []domain.DigitalPoint
	fingerprint string
}

func emptyState() *State {
	s := &State{byName: map[string]int{}}
	s.fingerprint = Fingerprint(s)
	return s
}

// Version increases by one with every successful load; 0 means never loaded.
func (s *State) Version() uint64 { return s.version }

// LoadedAt returns when the state was activated.
func (s *State) LoadedAt() time.Time { return s.loadedAt }

// Fingerprint returns the state's mapping fingerprint.
func (s *State) Fingerprint() string { return s.fingerprint }

// Devices returns all devices in configuration order.
func (s *State) Devices() []domain.DeviceDescriptor {
	return append([]domain.DeviceDescriptor(nil), s.devices...)
}

// EnabledDevices returns enabled devices in configuration order.
func (s *State) EnabledDevices() []domain.DeviceDescriptor {
	out := make([]domain.DeviceDescriptor, 0, len(s.devices))
	for _, d := range s.devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Device looks a device up by name.
func (s *State) Device(name string) (domain.DeviceDescriptor, bool) {
	i, ok := s.byName[name]
	if !ok {
		return domain.DeviceDescriptor{}, false
	}
	return s.devices[i], true
}

// IsActive reports whether the named device exists and is enabled.
func (s *State) IsActive(name string) bool {
	d, ok := s.Device(name)
	return ok && d.Enabled
}

// Mappings returns every parameter mapping in configuration order.
func (s *State) Mappings() []domain.ParameterMapping {
	return append([]domain.ParameterMapping(nil), s.mappings...)
}

// MappingsFor returns the mappings bound to device in configuration order.
func (s *State) MappingsFor(device string) []domain.ParameterMapping {
	var out []domain.ParameterMapping
	for _, m := range s.mappings {
		if m.Device == device {
			out = append(out, m)
		}
	}
	return out
}

// MappedParameters returns the distinct parameter names that have a mapping,
// in configuration order.
func (s *State) MappedParameters() []string {
	seen := make(map[string]struct{}, len(s.mappings))
	out := make([]string, 0, len(s.mappings))
	for _, m := range s.mappings {
		if _, ok := seen[m.Name]; ok {
			continue
		}
		seen[m.Name] = struct{}{}
		out = append(out, m.Name)
	}
	return out
}

// DigitalPoints returns every digital point in configuration order.
func (s *State) DigitalPoints() []domain.DigitalPoint {
	return append([]domain.DigitalPoint(nil), s.digital...)
}

// EnabledDigitalPoints returns enabled points whose device is active.
func (s *State) EnabledDigitalPoints() []domain.DigitalPoint {
	out := make([]domain.DigitalPoint, 0, len(s.digital))
	for _, p := range s.digital {
		if p.Enabled && s.IsActive(p.Device) {
			out = append(out, p)
		}
	}
	return out
}

type fingerprintTuple struct {
	kind    byte
	name    string
	address uint16
	device  string
}

// Fingerprint hashes the sorted (name, address, device) tuples of every
// parameter mapping and digital point. Equal tables always hash equal.
func Fingerprint(s *State) string {
	tuples := make([]fingerprintTuple, 0, len(s.mappings)+len(s.digital))
	for _, m := range s.mappings {
		tuples = append(tuples, fingerprintTuple{'m', m.Name, m.Address, m.Device})
	}
	for _, p := range s.digital {
		tuples = append(tuples, fingerprintTuple{'d', p.Name, p.Address, p.Device})
	}

	sort.Slice(tuples, func(i, j int) bool {
		a, b := tuples[i], tuples[j]
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		if a.name != b.name {
			return a.name < b.name
		}
		if a.address != b.address {
			return a.address < b.address
		}
		return a.device < b.device
	})

	h := sha256.New()
	buf := make([]byte, 0, 64)
	for _, t := range tuples {
		buf = buf[:0]
		buf = append(buf, t.kind, 0)
		buf = append(buf, t.name...)
		buf = append(buf, 0)
		buf = strconv.AppendUint(buf, uint64(t.address), 10)
		buf = append(buf, 0)
		buf = append(buf, t.device...)
		buf = append(buf, '\n')
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
