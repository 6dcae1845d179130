package pulse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/tarm/serial"

	"github.com/jon-fox/raspberry-mcp/internal/model"
)

// SerialTimer drives a microcontroller-attached IR frontend over a serial
// line. The firmware reports edges as "R <micros>" / "F <micros>" lines and
// accepts "PWM <hz> <duty255>" and "TX 0|1" commands for the emitter side.
//
// A single reader goroutine owns the line scanner for the lifetime of the
// port; subscriptions only swap the handler it routes edges to. Running two
// scanners against one port would split the byte stream between them.
type SerialTimer struct {
	mu      sync.Mutex
	port    io.ReadWriteCloser
	handler EdgeHandler
	closed  bool

	readerDone chan struct{}
}

func OpenSerial(device string, baud int) (*SerialTimer, error) {
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}
	return newSerialTimer(port), nil
}

func newSerialTimer(port io.ReadWriteCloser) *SerialTimer {
	t := &SerialTimer{port: port, readerDone: make(chan struct{})}
	go t.readEdges()
	return t
}

func (t *SerialTimer) SubscribeEdges(_ context.Context, handler EdgeHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return ErrAlreadySubscribed
	}
	if _, err := t.port.Write([]byte("RX 1\n")); err != nil {
		return fmt.Errorf("enable receiver: %w", err)
	}
	t.handler = handler
	return nil
}

// readEdges runs until the port is closed. Edges that arrive while no
// subscription is active are dropped.
func (t *SerialTimer) readEdges() {
	defer close(t.readerDone)
	scanner := bufio.NewScanner(t.port)
	for scanner.Scan() {
		edge, ok := parseEdgeLine(scanner.Text())
		if !ok {
			continue
		}
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(edge)
		}
	}
}

func parseEdgeLine(line string) (model.EdgeEvent, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 2 {
		return model.EdgeEvent{}, false
	}
	micros, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return model.EdgeEvent{}, false
	}
	switch fields[0] {
	case "R":
		return model.EdgeEvent{TimestampMicros: micros, Level: model.EdgeRising}, true
	case "F":
		return model.EdgeEvent{TimestampMicros: micros, Level: model.EdgeFalling}, true
	}
	return model.EdgeEvent{}, false
}

func (t *SerialTimer) UnsubscribeEdges() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return ErrNotSubscribed
	}
	t.handler = nil
	if _, err := t.port.Write([]byte("RX 0\n")); err != nil {
		return fmt.Errorf("disable receiver: %w", err)
	}
	return nil
}

func (t *SerialTimer) ConfigurePWM(freqHz uint32, duty float32) error {
	if duty < 0 {
		duty = 0
	}
	if duty > 1 {
		duty = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.port, "PWM %d %d\n", freqHz, int(duty*255)); err != nil {
		return fmt.Errorf("configure pwm: %w", err)
	}
	return nil
}

func (t *SerialTimer) SetCarrier(on bool) error {
	v := 0
	if on {
		v = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.port, "TX %d\n", v); err != nil {
		return fmt.Errorf("set carrier: %w", err)
	}
	return nil
}

// Close shuts the port, which unblocks the reader goroutine, and waits for
// it to exit.
func (t *SerialTimer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handler = nil
	t.mu.Unlock()
	err := t.port.Close()
	<-t.readerDone
	return err
}
