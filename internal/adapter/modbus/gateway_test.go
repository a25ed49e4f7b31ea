package modbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/adapter/modbus"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

func newTestGateway(t *testing.T, cfg modbus.GatewayConfig) *modbus.Gateway {
	t.Helper()
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = time.Second
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = time.Second
	}
	g := modbus.NewGateway(cfg, zerolog.Nop(), nil)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGatewayConnectIsIdempotent(t *testing.T) {
	dev := newFakeDevice(t)
	g := newTestGateway(t, modbus.GatewayConfig{})
	ctx := context.Background()

	first, err := g.Connect(ctx, dev.descriptor("analyzer"))
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	second, err := g.Connect(ctx, dev.descriptor("analyzer"))
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if first.Device() != "analyzer" || second.Device() != "analyzer" {
		t.Errorf("unexpected device names: %s, %s", first.Device(), second.Device())
	}
	if got := dev.accepted.Load(); got != 1 {
		t.Errorf("expected 1 TCP connection, got %d", got)
	}
}

func TestGatewayReadRegisters(t *testing.T) {
	dev := newFakeDevice(t)
	words := modbus.EncodeFloat32(50.0, domain.WordOrderHighFirst)
	dev.setRegisters(100, words[0], words[1])
	dev.setRegisters(200, 65535)

	g := newTestGateway(t, modbus.GatewayConfig{})
	ctx := context.Background()

	conn, err := g.Connect(ctx, dev.descriptor("analyzer"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	got, err := conn.ReadRegisters(ctx, 100, 2)
	if err != nil {
		t.Fatalf("read registers: %v", err)
	}
	value, err := modbus.DecodeFloat32(got, domain.WordOrderHighFirst)
	if err != nil || value != 50.0 {
		t.Errorf("expected 50.0, got %v (%v)", value, err)
	}

	raw, err := conn.ReadRegisters(ctx, 200, 1)
	if err != nil {
		t.Fatalf("read int16: %v", err)
	}
	if v, _ := modbus.DecodeInt16(raw); v != -1 {
		t.Errorf("expected -1, got %d", v)
	}
}

func TestGatewayReadCoil(t *testing.T) {
	dev := newFakeDevice(t)
	dev.setCoil(7, true)

	g := newTestGateway(t, modbus.GatewayConfig{})
	ctx := context.Background()

	conn, err := g.Connect(ctx, dev.descriptor("plc"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	on, err := conn.ReadCoil(ctx, 7)
	if err != nil || !on {
		t.Errorf("expected coil 7 on, got %v (%v)", on, err)
	}
	off, err := conn.ReadCoil(ctx, 8)
	if err != nil || off {
		t.Errorf("expected coil 8 off, got %v (%v)", off, err)
	}
}

func TestGatewayConnectFailure(t *testing.T) {
	g := newTestGateway(t, modbus.GatewayConfig{})

	_, err := g.Connect(context.Background(), closedPortDescriptor(t, "offline"))
	if !errors.Is(err, domain.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestGatewayFailuresAreDeviceLocal(t *testing.T) {
	dev := newFakeDevice(t)
	dev.setRegisters(0, 0x4248, 0x0000)
	g := newTestGateway(t, modbus.GatewayConfig{})
	ctx := context.Background()

	if _, err := g.Connect(ctx, closedPortDescriptor(t, "offline")); err == nil {
		t.Fatal("expected offline device to fail")
	}

	conn, err := g.Connect(ctx, dev.descriptor("online"))
	if err != nil {
		t.Fatalf("connect online device: %v", err)
	}
	if _, err := conn.ReadRegisters(ctx, 0, 2); err != nil {
		t.Errorf("online device read failed: %v", err)
	}
}

func TestGatewayExceptionResponse(t *testing.T) {
	dev := newFakeDevice(t)
	dev.setException(0x02)

	g := newTestGateway(t, modbus.GatewayConfig{})
	ctx := context.Background()

	conn, err := g.Connect(ctx, dev.descriptor("analyzer"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err = conn.ReadRegisters(ctx, 0, 2)
	if !errors.Is(err, domain.ErrReadFailed) {
		t.Errorf("expected ErrReadFailed, got %v", err)
	}
	if !errors.Is(err, domain.ErrModbusIllegalAddress) {
		t.Errorf("expected ErrModbusIllegalAddress, got %v", err)
	}
}

func TestGatewayDisconnectThenReconnect(t *testing.T) {
	dev := newFakeDevice(t)
	g := newTestGateway(t, modbus.GatewayConfig{})
	ctx := context.Background()
	desc := dev.descriptor("analyzer")

	if _, err := g.Connect(ctx, desc); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := g.Disconnect("analyzer"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if h, ok := g.DeviceHealth("analyzer"); !ok || h.Connected {
		t.Fatalf("expected disconnected device in table, got %+v (found=%v)", h, ok)
	}

	if _, err := g.Connect(ctx, desc); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for dev.accepted.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := dev.accepted.Load(); got != 2 {
		t.Errorf("expected 2 TCP connections, got %d", got)
	}
}

func TestGatewayDisconnectUnknownDevice(t *testing.T) {
	g := newTestGateway(t, modbus.GatewayConfig{})
	if err := g.Disconnect("missing"); err != nil {
		t.Errorf("expected nil for unknown device, got %v", err)
	}
	if err := g.Remove("missing"); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestGatewayCircuitBreakerOpens(t *testing.T) {
	g := newTestGateway(t, modbus.GatewayConfig{
		BreakerFailureThreshold: 2,
		BreakerTimeout:          time.Minute,
	})
	ctx := context.Background()
	desc := closedPortDescriptor(t, "offline")

	for i := 0; i < 2; i++ {
		if _, err := g.Connect(ctx, desc); !errors.Is(err, domain.ErrConnectionFailed) {
			t.Fatalf("attempt %d: expected ErrConnectionFailed, got %v", i, err)
		}
	}

	_, err := g.Connect(ctx, desc)
	if !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}

	h, ok := g.DeviceHealth("offline")
	if !ok || !h.CircuitBreakerOpen {
		t.Errorf("expected open breaker in health, got %+v", h)
	}
	if stats := g.Stats(); stats.OpenBreakers != 1 {
		t.Errorf("expected 1 open breaker, got %d", stats.OpenBreakers)
	}
}

func TestGatewayReadTimeoutsTripBreaker(t *testing.T) {
	dev := newFakeDevice(t)
	dev.setSilent(true)

	g := newTestGateway(t, modbus.GatewayConfig{
		ResponseTimeout:         100 * time.Millisecond,
		BreakerFailureThreshold: 2,
		BreakerTimeout:          time.Minute,
	})
	ctx := context.Background()
	desc := dev.descriptor("mute")

	conn, err := g.Connect(ctx, desc)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err = conn.ReadRegisters(ctx, 0, 2)
	if !errors.Is(err, domain.ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
	if !errors.Is(err, domain.ErrReadFailed) {
		t.Errorf("expected the timeout to remain a read failure, got %v", err)
	}

	if _, err := conn.ReadRegisters(ctx, 0, 2); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed after the socket was dropped, got %v", err)
	}

	if _, err := g.Connect(ctx, desc); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
}

func TestGatewaySyncDevicesDropsStaleClients(t *testing.T) {
	dev := newFakeDevice(t)
	g := newTestGateway(t, modbus.GatewayConfig{})
	ctx := context.Background()

	if _, err := g.Connect(ctx, dev.descriptor("keep")); err != nil {
		t.Fatalf("connect keep: %v", err)
	}
	if _, err := g.Connect(ctx, dev.descriptor("drop")); err != nil {
		t.Fatalf("connect drop: %v", err)
	}

	disabled := dev.descriptor("drop")
	disabled.Enabled = false
	g.SyncDevices([]domain.DeviceDescriptor{dev.descriptor("keep"), disabled})

	if _, ok := g.DeviceHealth("keep"); !ok {
		t.Error("expected keep to remain")
	}
	if _, ok := g.DeviceHealth("drop"); ok {
		t.Error("expected disabled device to be removed")
	}
}

func TestGatewayEndpointChangeReplacesClient(t *testing.T) {
	devA := newFakeDevice(t)
	devB := newFakeDevice(t)
	devB.setRegisters(0, 7)
	g := newTestGateway(t, modbus.GatewayConfig{})
	ctx := context.Background()

	if _, err := g.Connect(ctx, devA.descriptor("analyzer")); err != nil {
		t.Fatalf("connect A: %v", err)
	}
	conn, err := g.Connect(ctx, devB.descriptor("analyzer"))
	if err != nil {
		t.Fatalf("connect B: %v", err)
	}

	words, err := conn.ReadRegisters(ctx, 0, 1)
	if err != nil || words[0] != 7 {
		t.Errorf("expected read from new endpoint, got %v (%v)", words, err)
	}
}

func TestGatewayTestConnection(t *testing.T) {
	dev := newFakeDevice(t)
	g := newTestGateway(t, modbus.GatewayConfig{})

	if err := g.TestConnection(context.Background(), dev.descriptor("analyzer")); err != nil {
		t.Errorf("expected reachable device to pass, got %v", err)
	}
	if err := g.TestConnection(context.Background(), closedPortDescriptor(t, "offline")); err == nil {
		t.Error("expected unreachable device to fail")
	}
	if stats := g.Stats(); stats.TotalClients != 0 {
		t.Errorf("expected test connections to leave the table empty, got %d", stats.TotalClients)
	}
}

func TestGatewayClosedRejectsConnect(t *testing.T) {
	dev := newFakeDevice(t)
	g := modbus.NewGateway(modbus.GatewayConfig{}, zerolog.Nop(), nil)
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := g.Connect(context.Background(), dev.descriptor("analyzer"))
	if !errors.Is(err, domain.ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
