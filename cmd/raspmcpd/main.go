package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/jon-fox/raspberry-mcp/internal/config"
	"github.com/jon-fox/raspberry-mcp/internal/daemon"
	"github.com/jon-fox/raspberry-mcp/internal/db"
	"github.com/jon-fox/raspberry-mcp/internal/listener"
	"github.com/jon-fox/raspberry-mcp/internal/publish"
	"github.com/jon-fox/raspberry-mcp/internal/pulse"
	"github.com/jon-fox/raspberry-mcp/internal/registry"
	"github.com/jon-fox/raspberry-mcp/internal/transmit"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for raspmcpd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.PigpioAddr, "pigpio", cfg.PigpioAddr, "pigpiod address")
	flag.StringVar(&cfg.SerialPort, "serial", cfg.SerialPort, "serial edge-timer device (overrides pigpiod)")
	flag.IntVar(&cfg.SerialBaud, "serial-baud", cfg.SerialBaud, "serial baud rate")
	flag.IntVar(&cfg.ReceivePin, "rx-pin", cfg.ReceivePin, "BCM pin of the IR receiver")
	flag.IntVar(&cfg.TransmitPin, "tx-pin", cfg.TransmitPin, "BCM pin of the IR LED")
	flag.StringVar(&cfg.MQTTBrokerURL, "mqtt", cfg.MQTTBrokerURL, "MQTT broker URL (empty disables publishing)")
	flag.StringVar(&cfg.MQTTTopicPrefix, "mqtt-topic", cfg.MQTTTopicPrefix, "MQTT topic prefix")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	timer, err := openTimer(cfg)
	if err != nil {
		fatal(err)
	}
	defer timer.Close() //nolint:errcheck

	captures := listener.NewManager(timer, cfg.InactivityTimeout, cfg.WatchdogInterval)
	engine := transmit.NewEngine(timer)
	reg := registry.New(store, captures, engine)

	publisher, err := publish.Connect(cfg.MQTTBrokerURL, "raspmcpd-"+uuid.NewString(), cfg.MQTTTopicPrefix)
	if err != nil {
		fatal(err)
	}
	defer publisher.Close()
	captures.OnEvent(publisher.PublishEvent)

	srv := daemon.NewServer(cfg, captures, reg)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func openTimer(cfg config.Config) (pulse.Timer, error) {
	if cfg.SerialPort != "" {
		return pulse.OpenSerial(cfg.SerialPort, cfg.SerialBaud)
	}
	return pulse.DialPigpio(cfg.PigpioAddr, cfg.ReceivePin, cfg.TransmitPin)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "raspmcpd: %v\n", err)
	os.Exit(1)
}
