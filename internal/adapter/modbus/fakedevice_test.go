package modbus_test

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

// fakeDevice is a minimal Modbus TCP responder for function codes 0x01 and 0x03.
type fakeDevice struct {
	ln        net.Listener
	mu        sync.Mutex
	registers map[uint16]uint16
	coils     map[uint16]bool
	exception byte // when non-zero every request gets this exception code
	silent    bool // when set requests are read but never answered
	accepted  atomic.Int32
	requests  atomic.Int32
	wg        sync.WaitGroup
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	f := &fakeDevice{
		ln:        ln,
		registers: make(map[uint16]uint16),
		coils:     make(map[uint16]bool),
	}

	f.wg.Add(1)
	go f.acceptLoop()

	t.Cleanup(func() {
		ln.Close()
		f.wg.Wait()
	})
	return f
}

func (f *fakeDevice) descriptor(name string) domain.DeviceDescriptor {
	addr := f.ln.Addr().(*net.TCPAddr)
	return domain.DeviceDescriptor{
		Name:    name,
		Host:    addr.IP.String(),
		Port:    addr.Port,
		UnitID:  1,
		Enabled: true,
	}
}

func (f *fakeDevice) setRegisters(address uint16, words ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range words {
		f.registers[address+uint16(i)] = w
	}
}

func (f *fakeDevice) setCoil(address uint16, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coils[address] = on
}

func (f *fakeDevice) setException(code byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exception = code
}

func (f *fakeDevice) setSilent(silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = silent
}

func (f *fakeDevice) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.accepted.Add(1)
		f.wg.Add(1)
		go f.serve(conn)
	}
}

func (f *fakeDevice) serve(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		if length < 2 {
			return
		}
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		f.requests.Add(1)

		f.mu.Lock()
		silent := f.silent
		f.mu.Unlock()
		if silent {
			continue
		}

		resp := f.handle(pdu)
		out := make([]byte, 7+len(resp))
		copy(out[0:2], header[0:2])
		binary.BigEndian.PutUint16(out[4:6], uint16(len(resp)+1))
		out[6] = header[6]
		copy(out[7:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (f *fakeDevice) handle(pdu []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	fc := pdu[0]
	if f.exception != 0 {
		return []byte{fc | 0x80, f.exception}
	}
	if len(pdu) < 5 {
		return []byte{fc | 0x80, 0x03}
	}
	address := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])

	switch fc {
	case 0x03:
		resp := []byte{fc, byte(quantity * 2)}
		for i := uint16(0); i < quantity; i++ {
			resp = binary.BigEndian.AppendUint16(resp, f.registers[address+i])
		}
		return resp
	case 0x01:
		count := (quantity + 7) / 8
		bits := make([]byte, count)
		for i := uint16(0); i < quantity; i++ {
			if f.coils[address+i] {
				bits[i/8] |= 1 << (i % 8)
			}
		}
		return append([]byte{fc, byte(count)}, bits...)
	default:
		return []byte{fc | 0x80, 0x01}
	}
}

// closedPortDescriptor returns a descriptor for a port nothing listens on.
func closedPortDescriptor(t *testing.T, name string) domain.DeviceDescriptor {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	port, _ := strconv.Atoi(portStr)
	return domain.DeviceDescriptor{Name: name, Host: "127.0.0.1", Port: port, UnitID: 1, Enabled: true}
}
