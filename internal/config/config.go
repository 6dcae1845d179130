package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath        string
	DBPath            string
	PigpioAddr        string
	SerialPort        string
	SerialBaud        int
	ReceivePin        int
	TransmitPin       int
	InactivityTimeout time.Duration
	WatchdogInterval  time.Duration
	CarrierHz         uint32
	DutyCycle         float32
	Repeats           int
	RepeatGap         time.Duration
	SweepPause        time.Duration
	MQTTBrokerURL     string
	MQTTTopicPrefix   string
	CommandTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:        defaultSocketPath(),
		DBPath:            defaultDBPath(),
		PigpioAddr:        "localhost:8888",
		SerialPort:        "",
		SerialBaud:        115200,
		ReceivePin:        27,
		TransmitPin:       17,
		InactivityTimeout: 200 * time.Millisecond,
		WatchdogInterval:  10 * time.Millisecond,
		CarrierHz:         38000,
		DutyCycle:         0.78,
		Repeats:           5,
		RepeatGap:         100 * time.Millisecond,
		SweepPause:        2 * time.Second,
		MQTTBrokerURL:     "",
		MQTTTopicPrefix:   "raspmcp",
		CommandTimeout:    5 * time.Second,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "raspmcp", "raspmcpd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".raspmcpd.sock"
	}
	return filepath.Join(home, ".local", "state", "raspmcp", "raspmcpd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "raspmcp.db"
	}
	return filepath.Join(home, ".local", "state", "raspmcp", "devices.db")
}
