package pulse

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/model"
)

// pigpiod socket command numbers (subset used here).
const (
	cmdModes = 0
	cmdPUD   = 2
	cmdPWM   = 5
	cmdPFS   = 7
	cmdNB    = 19
	cmdNC    = 21
	cmdNOIB  = 99
)

const (
	pinModeInput  = 0
	pinModeOutput = 1
	pudUp         = 2
)

// pwmRange is pigpiod's default dutycycle range per pin.
const pwmRange = 255

// PigpioTimer talks to a pigpio daemon over its TCP socket interface: one
// connection for request/response commands, a second one switched into
// notification mode for edge reports on the receive pin.
type PigpioTimer struct {
	addr  string
	rxPin int
	txPin int

	mu          sync.Mutex
	cmdConn     net.Conn
	carrierDuty uint32

	notifyMu     sync.Mutex
	notifyConn   net.Conn
	notifyHandle uint32
	notifyDone   chan struct{}
	subscribed   bool
}

// DialPigpio connects to pigpiod at addr and prepares rxPin for input with
// pull-up (the common IR receiver wiring is active low) and txPin for output.
func DialPigpio(addr string, rxPin, txPin int) (*PigpioTimer, error) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial pigpiod %s: %w", addr, err)
	}
	t := &PigpioTimer{
		addr:        addr,
		rxPin:       rxPin,
		txPin:       txPin,
		cmdConn:     conn,
		carrierDuty: dutyScale(0.78),
	}
	if _, err := t.command(cmdModes, uint32(rxPin), pinModeInput); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set rx pin mode: %w", err)
	}
	if _, err := t.command(cmdPUD, uint32(rxPin), pudUp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set rx pull-up: %w", err)
	}
	if _, err := t.command(cmdModes, uint32(txPin), pinModeOutput); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set tx pin mode: %w", err)
	}
	return t, nil
}

// command sends one 16-byte request on the command connection and returns the
// result word. pigpiod replies echo the request with res in the last word.
func (t *PigpioTimer) command(cmd, p1, p2 uint32) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sendCommand(t.cmdConn, cmd, p1, p2)
}

func sendCommand(conn net.Conn, cmd, p1, p2 uint32) (int32, error) {
	var req [16]byte
	binary.LittleEndian.PutUint32(req[0:4], cmd)
	binary.LittleEndian.PutUint32(req[4:8], p1)
	binary.LittleEndian.PutUint32(req[8:12], p2)
	if _, err := conn.Write(req[:]); err != nil {
		return 0, fmt.Errorf("pigpiod write cmd %d: %w", cmd, err)
	}
	var resp [16]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return 0, fmt.Errorf("pigpiod read cmd %d: %w", cmd, err)
	}
	res := int32(binary.LittleEndian.Uint32(resp[12:16]))
	if res < 0 {
		return res, fmt.Errorf("pigpiod cmd %d failed: status %d", cmd, res)
	}
	return res, nil
}

// SubscribeEdges opens a notification connection and starts a reader
// goroutine that converts level-change reports on the rx pin into EdgeEvents.
func (t *PigpioTimer) SubscribeEdges(ctx context.Context, handler EdgeHandler) error {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if t.subscribed {
		return ErrAlreadySubscribed
	}
	conn, err := net.DialTimeout("tcp", t.addr, 3*time.Second)
	if err != nil {
		return fmt.Errorf("dial pigpiod notify: %w", err)
	}
	handle, err := sendCommand(conn, cmdNOIB, 0, 0)
	if err != nil {
		conn.Close()
		return fmt.Errorf("open notify handle: %w", err)
	}
	if _, err := t.command(cmdNB, uint32(handle), 1<<uint(t.rxPin)); err != nil {
		conn.Close()
		return fmt.Errorf("begin notify: %w", err)
	}
	t.notifyConn = conn
	t.notifyHandle = uint32(handle)
	t.notifyDone = make(chan struct{})
	t.subscribed = true
	go t.readNotifications(ctx, conn, handler, t.notifyDone)
	return nil
}

// readNotifications parses pigpiod's 12-byte gpio reports. tick is the
// daemon's microsecond clock; level is the full bank bitmask.
func (t *PigpioTimer) readNotifications(ctx context.Context, conn net.Conn, handler EdgeHandler, done chan struct{}) {
	defer close(done)
	mask := uint32(1) << uint(t.rxPin)
	var lastLevel uint32
	var haveLast bool
	var report [12]byte
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := io.ReadFull(conn, report[:]); err != nil {
			return
		}
		flags := binary.LittleEndian.Uint16(report[2:4])
		if flags != 0 {
			// keep-alive or watchdog report, no level change
			continue
		}
		tick := binary.LittleEndian.Uint32(report[4:8])
		level := binary.LittleEndian.Uint32(report[8:12])
		if haveLast && (level&mask) == (lastLevel&mask) {
			lastLevel = level
			continue
		}
		edge := model.EdgeEvent{TimestampMicros: uint64(tick)}
		if level&mask == 0 {
			edge.Level = model.EdgeFalling
		} else {
			edge.Level = model.EdgeRising
		}
		lastLevel = level
		haveLast = true
		handler(edge)
	}
}

func (t *PigpioTimer) UnsubscribeEdges() error {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if !t.subscribed {
		return ErrNotSubscribed
	}
	_, err := t.command(cmdNC, t.notifyHandle, 0)
	t.notifyConn.Close()
	<-t.notifyDone
	t.notifyConn = nil
	t.subscribed = false
	if err != nil {
		return fmt.Errorf("close notify handle: %w", err)
	}
	return nil
}

func (t *PigpioTimer) ConfigurePWM(freqHz uint32, duty float32) error {
	if _, err := t.command(cmdPFS, uint32(t.txPin), freqHz); err != nil {
		return fmt.Errorf("set pwm frequency: %w", err)
	}
	t.notifyMu.Lock()
	t.carrierDuty = dutyScale(duty)
	t.notifyMu.Unlock()
	return nil
}

// dutyScale maps a 0..1 duty cycle onto the pigpio dutycycle range.
func dutyScale(duty float32) uint32 {
	if duty < 0 {
		duty = 0
	}
	if duty > 1 {
		duty = 1
	}
	return uint32(duty * pwmRange)
}

func (t *PigpioTimer) SetCarrier(on bool) error {
	duty := uint32(0)
	if on {
		t.notifyMu.Lock()
		duty = t.carrierDuty
		t.notifyMu.Unlock()
	}
	if _, err := t.command(cmdPWM, uint32(t.txPin), duty); err != nil {
		return fmt.Errorf("set carrier: %w", err)
	}
	return nil
}

func (t *PigpioTimer) Close() error {
	t.notifyMu.Lock()
	if t.subscribed {
		_, _ = t.command(cmdNC, t.notifyHandle, 0)
		t.notifyConn.Close()
		<-t.notifyDone
		t.subscribed = false
	}
	t.notifyMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmdConn.Close()
}
