package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
	"github.com/yutthachai69/cems2-2newupdate/internal/retry"
	"github.com/yutthachai69/cems2-2newupdate/internal/service"
)

func digitalTable() domain.MappingTable {
	return domain.MappingTable{
		Devices: []domain.DeviceDescriptor{device("plc")},
		DigitalPoints: []domain.DigitalPoint{
			{ID: 1, Name: "Maintenance", Type: "status", Device: "plc", Address: 0, Enabled: true},
			{ID: 2, Name: "Purge", Type: "status", Device: "plc", Address: 1, Enabled: true},
			{ID: 3, Name: "Spare", Type: "alarm", Device: "plc", Address: 2, Enabled: false},
		},
	}
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
}

func TestDigitalCacheReadsPoints(t *testing.T) {
	gw := newFakeGateway()
	gw.setCoil("plc", 0, true)

	reg, _ := loadRegistry(t, digitalTable())
	c := service.NewDigitalCache(service.DigitalConfig{TTL: time.Hour, Retry: fastRetry()}, reg, gw, zerolog.Nop(), nil)

	readings, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 enabled points, got %d", len(readings))
	}
	if readings[0].Status != domain.PointStatusOn || readings[0].Value != 1 {
		t.Errorf("expected Maintenance ON, got %+v", readings[0])
	}
	if readings[1].Status != domain.PointStatusOff || readings[1].Value != 0 {
		t.Errorf("expected Purge OFF, got %+v", readings[1])
	}
	if n := gw.disconnectCount("plc"); n != 1 {
		t.Errorf("expected one forced reconnect per device, got %d", n)
	}
}

func TestDigitalCacheServesWithinTTL(t *testing.T) {
	gw := newFakeGateway()
	reg, _ := loadRegistry(t, digitalTable())
	c := service.NewDigitalCache(service.DigitalConfig{TTL: time.Hour, Retry: fastRetry()}, reg, gw, zerolog.Nop(), nil)

	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("first read: %v", err)
	}
	gw.setCoil("plc", 0, true)
	readings, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("second read: %v", err)
	}

	if readings[0].Status != domain.PointStatusOff {
		t.Error("expected cached value within TTL")
	}
	if n := gw.coilReadCount("plc", 0); n != 1 {
		t.Errorf("expected 1 coil read, got %d", n)
	}
}

func TestDigitalCacheRefreshesAfterTTL(t *testing.T) {
	gw := newFakeGateway()
	reg, _ := loadRegistry(t, digitalTable())
	c := service.NewDigitalCache(service.DigitalConfig{TTL: 10 * time.Millisecond, Retry: fastRetry()}, reg, gw, zerolog.Nop(), nil)

	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("first read: %v", err)
	}
	gw.setCoil("plc", 0, true)
	time.Sleep(20 * time.Millisecond)

	readings, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if readings[0].Status != domain.PointStatusOn {
		t.Error("expected fresh value after TTL")
	}
}

func TestDigitalCacheFingerprintChangeForcesRefresh(t *testing.T) {
	gw := newFakeGateway()
	gw.setCoil("plc", 9, true)

	reg, src := loadRegistry(t, digitalTable())
	c := service.NewDigitalCache(service.DigitalConfig{TTL: time.Hour, Retry: fastRetry()}, reg, gw, zerolog.Nop(), nil)

	first, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if first[0].Status != domain.PointStatusOff {
		t.Fatalf("expected OFF at address 0, got %s", first[0].Status)
	}

	moved := digitalTable()
	moved.DigitalPoints[0].Address = 9
	src.Set(moved)
	if _, err := reg.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	second, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if second[0].Status != domain.PointStatusOn || second[0].Address != 9 {
		t.Errorf("expected re-read at new address despite TTL, got %+v", second[0])
	}
}

func TestDigitalCacheRetriesTransientFailures(t *testing.T) {
	gw := newFakeGateway()
	gw.setCoil("plc", 0, true)
	gw.configure("plc", func(u *fakeUnit) { u.coilFailures[0] = 2 })

	reg, _ := loadRegistry(t, digitalTable())
	c := service.NewDigitalCache(service.DigitalConfig{TTL: time.Hour, Retry: fastRetry()}, reg, gw, zerolog.Nop(), nil)

	readings, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if readings[0].Status != domain.PointStatusOn {
		t.Errorf("expected ON after retries, got %+v", readings[0])
	}
	if n := gw.coilReadCount("plc", 0); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestDigitalCacheExhaustionIsPointLocal(t *testing.T) {
	gw := newFakeGateway()
	gw.setCoil("plc", 1, true)
	gw.configure("plc", func(u *fakeUnit) { u.coilFailures[0] = -1 })

	reg, _ := loadRegistry(t, digitalTable())
	c := service.NewDigitalCache(service.DigitalConfig{TTL: time.Hour, Retry: fastRetry()}, reg, gw, zerolog.Nop(), nil)

	readings, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if readings[0].Status != domain.PointStatusError || readings[0].Error == "" {
		t.Errorf("expected ERROR for failing point, got %+v", readings[0])
	}
	if readings[1].Status != domain.PointStatusOn {
		t.Errorf("expected other point unaffected, got %+v", readings[1])
	}
	if n := gw.coilReadCount("plc", 0); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestDigitalCacheUnreachableDevice(t *testing.T) {
	gw := newFakeGateway()
	gw.configure("plc", func(u *fakeUnit) { u.connectErr = domain.ErrConnectionFailed })

	reg, _ := loadRegistry(t, digitalTable())
	c := service.NewDigitalCache(service.DigitalConfig{TTL: time.Hour, Retry: fastRetry()}, reg, gw, zerolog.Nop(), nil)

	readings, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, r := range readings {
		if r.Status != domain.PointStatusError {
			t.Errorf("expected ERROR, got %+v", r)
		}
	}
}

func TestDigitalCacheInvalidate(t *testing.T) {
	gw := newFakeGateway()
	reg, _ := loadRegistry(t, digitalTable())
	c := service.NewDigitalCache(service.DigitalConfig{TTL: time.Hour, Retry: fastRetry()}, reg, gw, zerolog.Nop(), nil)

	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("first read: %v", err)
	}
	c.Invalidate()
	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if n := gw.coilReadCount("plc", 0); n != 2 {
		t.Errorf("expected refresh after invalidate, got %d reads", n)
	}
}

func TestDigitalCacheCancelledRefreshNotCommitted(t *testing.T) {
	gw := newFakeGateway()
	reg, _ := loadRegistry(t, digitalTable())
	c := service.NewDigitalCache(service.DigitalConfig{TTL: time.Hour, Retry: fastRetry()}, reg, gw, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	readings, err := c.Read(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if readings != nil {
		t.Errorf("expected no readings without a committed entry, got %v", readings)
	}

	gw.setCoil("plc", 0, true)
	fresh, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if fresh[0].Status != domain.PointStatusOn {
		t.Error("expected cancelled refresh to leave nothing cached")
	}
}
