package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/adapter/modbus"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/registry"
)

var errOffline = errors.New("device offline")

// fakeUnit is the in-memory state of one simulated device.
type fakeUnit struct {
	registers    map[uint16]uint16
	coils        map[uint16]bool
	connectErr   error
	readErr      map[uint16]error
	coilFailures map[uint16]int // remaining failures before a coil read succeeds
	readDelay    time.Duration
	blockReads   bool
}

// fakeGateway implements domain.DeviceGateway in memory.
type fakeGateway struct {
	mu          sync.Mutex
	units       map[string]*fakeUnit
	connects    map[string]int
	disconnects map[string]int
	reads       map[string]map[uint16]int
	coilReads   map[string]map[uint16]int
	inFlight    map[string]int
	maxInFlight map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		units:       make(map[string]*fakeUnit),
		connects:    make(map[string]int),
		disconnects: make(map[string]int),
		reads:       make(map[string]map[uint16]int),
		coilReads:   make(map[string]map[uint16]int),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

func (g *fakeGateway) unit(name string) *fakeUnit {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.units[name]
	if !ok {
		u = &fakeUnit{
			registers:    make(map[uint16]uint16),
			coils:        make(map[uint16]bool),
			readErr:      make(map[uint16]error),
			coilFailures: make(map[uint16]int),
		}
		g.units[name] = u
	}
	return u
}

func (g *fakeGateway) setFloat(device string, address uint16, v float32) {
	words := modbus.EncodeFloat32(v, domain.WordOrderHighFirst)
	u := g.unit(device)
	g.mu.Lock()
	defer g.mu.Unlock()
	u.registers[address] = words[0]
	u.registers[address+1] = words[1]
}

func (g *fakeGateway) setCoil(device string, address uint16, on bool) {
	u := g.unit(device)
	g.mu.Lock()
	defer g.mu.Unlock()
	u.coils[address] = on
}

func (g *fakeGateway) configure(device string, fn func(u *fakeUnit)) {
	u := g.unit(device)
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(u)
}

func (g *fakeGateway) Connect(ctx context.Context, d domain.DeviceDescriptor) (domain.Connection, error) {
	u := g.unit(d.Name)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connects[d.Name]++
	if u.connectErr != nil {
		return nil, u.connectErr
	}
	return &fakeConn{gw: g, device: d.Name, unit: u}, nil
}

func (g *fakeGateway) Disconnect(device string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnects[device]++
	return nil
}

func (g *fakeGateway) connectCount(device string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects[device]
}

func (g *fakeGateway) disconnectCount(device string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disconnects[device]
}

func (g *fakeGateway) readCount(device string, address uint16) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads[device][address]
}

func (g *fakeGateway) coilReadCount(device string, address uint16) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coilReads[device][address]
}

func (g *fakeGateway) peakConcurrency(device string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight[device]
}

type fakeConn struct {
	gw     *fakeGateway
	device string
	unit   *fakeUnit
}

func (c *fakeConn) Device() string { return c.device }

func (c *fakeConn) enter() {
	c.gw.mu.Lock()
	c.gw.inFlight[c.device]++
	if c.gw.inFlight[c.device] > c.gw.maxInFlight[c.device] {
		c.gw.maxInFlight[c.device] = c.gw.inFlight[c.device]
	}
	c.gw.mu.Unlock()
}

func (c *fakeConn) leave() {
	c.gw.mu.Lock()
	c.gw.inFlight[c.device]--
	c.gw.mu.Unlock()
}

func (c *fakeConn) ReadRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	c.enter()
	defer c.leave()

	c.gw.mu.Lock()
	if c.gw.reads[c.device] == nil {
		c.gw.reads[c.device] = make(map[uint16]int)
	}
	c.gw.reads[c.device][address]++
	delay, block := c.unit.readDelay, c.unit.blockReads
	err := c.unit.readErr[address]
	c.gw.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	words := make([]uint16, count)
	for i := range words {
		words[i] = c.unit.registers[address+uint16(i)]
	}
	return words, nil
}

func (c *fakeConn) ReadCoil(ctx context.Context, address uint16) (bool, error) {
	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	if c.gw.coilReads[c.device] == nil {
		c.gw.coilReads[c.device] = make(map[uint16]int)
	}
	c.gw.coilReads[c.device][address]++
	if n := c.unit.coilFailures[address]; n != 0 {
		if n > 0 {
			c.unit.coilFailures[address] = n - 1
		}
		return false, domain.ErrReadFailed
	}
	return c.unit.coils[address], nil
}

// memoryStore implements domain.SampleStore in memory.
type memoryStore struct {
	mu      sync.Mutex
	samples []domain.Sample
	readErr error
}

func (s *memoryStore) WriteSample(_ context.Context, sample domain.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *memoryStore) ReadLatest(_ context.Context, stackID string) (domain.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return domain.Sample{}, s.readErr
	}
	for i := len(s.samples) - 1; i >= 0; i-- {
		if s.samples[i].StackID == stackID {
			return s.samples[i], nil
		}
	}
	return domain.Sample{}, domain.ErrSampleNotFound
}

func (s *memoryStore) ReadRange(_ context.Context, stackID string, from, to time.Time, limit int) ([]domain.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Sample
	for _, sample := range s.samples {
		if sample.StackID == stackID && !sample.Timestamp.Before(from) && !sample.Timestamp.After(to) {
			out = append(out, sample)
		}
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// device returns an enabled descriptor; the address is never dialed by the fake.
func device(name string) domain.DeviceDescriptor {
	return domain.DeviceDescriptor{Name: name, Host: "127.0.0.1", Port: 502, UnitID: 1, Enabled: true}
}

func loadRegistry(t *testing.T, table domain.MappingTable) (*registry.Registry, *registry.StaticSource) {
	t.Helper()
	src := registry.NewStaticSource(table)
	reg := registry.New(src, zerolog.Nop(), nil)
	if _, err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg, src
}
