// Package cli implements the raspmcp command set over a running daemon.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/api"
	"github.com/jon-fox/raspberry-mcp/internal/appclient"
	"github.com/jon-fox/raspberry-mcp/internal/model"
)

type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "listen":
		return r.runListen(ctx, rest[1:])
	case "events":
		return r.runEvents(ctx, rest[1:])
	case "guidance":
		return r.runGuidance(ctx, rest[1:])
	case "device":
		return r.runDevice(ctx, rest[1:])
	case "send":
		return r.runSend(ctx, rest[1:])
	case "troubleshoot":
		return r.runTroubleshoot(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	case "health":
		return r.runHealth(ctx)
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socketPath := ""
	rest := args
	for len(rest) > 0 {
		switch {
		case rest[0] == "--socket":
			if len(rest) < 2 {
				return "", nil, errors.New("--socket requires a value")
			}
			socketPath = rest[1]
			rest = rest[2:]
		case strings.HasPrefix(rest[0], "--socket="):
			socketPath = strings.TrimPrefix(rest[0], "--socket=")
			rest = rest[1:]
		default:
			return socketPath, rest, nil
		}
	}
	return socketPath, rest, nil
}

func (r *Runner) runListen(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: raspmcp listen <start|stop|status|clear>")
		return 2
	}
	var status api.ListenerStatusResponse
	var err error
	switch args[0] {
	case "start":
		status, err = r.client.StartListener(ctx)
	case "stop":
		status, err = r.client.StopListener(ctx)
	case "status":
		status, err = r.client.ListenerStatus(ctx)
	case "clear":
		status, err = r.client.ClearEvents(ctx)
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown listen subcommand: %s\n", args[0])
		return 2
	}
	if err != nil {
		return r.handleErr(err)
	}
	if status.State == "listening" {
		_, _ = fmt.Fprintf(r.out, "listening\tsession=%s\tevents=%d\n", status.SessionID, status.EventCount)
	} else {
		_, _ = fmt.Fprintf(r.out, "idle\tevents=%d\n", status.EventCount)
	}
	return 0
}

func (r *Runner) runEvents(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sinceArg := fs.String("since", "", "only events captured at or after this RFC3339 time")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	var since *time.Time
	if *sinceArg != "" {
		t, err := time.Parse(time.RFC3339, *sinceArg)
		if err != nil {
			_, _ = fmt.Fprintln(r.errOut, "error: --since must be RFC3339")
			return 2
		}
		since = &t
	}
	env, err := r.client.Events(ctx, since)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, ev := range env.Events {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", ev.CapturedAt, ev.EventID, ev.Signal.Protocol, describeSignal(ev.Signal))
	}
	return 0
}

func describeSignal(sig model.DecodedSignal) string {
	switch {
	case sig.NEC != nil:
		return fmt.Sprintf("addr=0x%02X cmd=0x%02X", sig.NEC.Address, sig.NEC.Command)
	case sig.Sony != nil:
		return fmt.Sprintf("device=%d cmd=%d bits=%d", sig.Sony.Device, sig.Sony.Command, sig.Sony.Bits)
	case sig.Generic != nil:
		return fmt.Sprintf("hash=%016x pulses=%d", sig.Generic.PulseHash, len(sig.Generic.Pulses))
	default:
		return "empty"
	}
}

func (r *Runner) runGuidance(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("guidance", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	deviceType := fs.String("type", "", "device type to describe")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	g, err := r.client.Guidance(ctx, *deviceType)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(g)
	}
	_, _ = fmt.Fprintf(r.out, "type: %s\n", g.DeviceType)
	_, _ = fmt.Fprintf(r.out, "required: %s\n", strings.Join(g.Required, ", "))
	if len(g.Suggested) > 0 {
		_, _ = fmt.Fprintf(r.out, "suggested: %s\n", strings.Join(g.Suggested, ", "))
	}
	if len(g.ExampleOrder) > 0 {
		_, _ = fmt.Fprintf(r.out, "example order: %s\n", strings.Join(g.ExampleOrder, " -> "))
	}
	if g.Notes != "" {
		_, _ = fmt.Fprintf(r.out, "notes: %s\n", g.Notes)
	}
	return 0
}

func (r *Runner) runDevice(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: raspmcp device <map|list|ops|delete>")
		return 2
	}
	switch args[0] {
	case "map":
		return r.runDeviceMap(ctx, args[1:])
	case "list":
		return r.runDeviceList(ctx, args[1:])
	case "ops":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(r.errOut, "usage: raspmcp device ops <device-id>")
			return 2
		}
		env, err := r.client.ListOperations(ctx, args[1])
		if err != nil {
			return r.handleErr(err)
		}
		for _, op := range env.Operations {
			_, _ = fmt.Fprintln(r.out, op)
		}
		return 0
	case "delete":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(r.errOut, "usage: raspmcp device delete <device-id>")
			return 2
		}
		if err := r.client.DeleteDevice(ctx, args[1]); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "deleted %s\n", args[1])
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown device subcommand: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runDeviceMap(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("device map", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	deviceID := fs.String("id", "", "device identifier")
	deviceType := fs.String("type", "", "device type")
	sinceArg := fs.String("since", "", "bind events captured at or after this RFC3339 time")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	ops := fs.Args()
	if *deviceID == "" || *sinceArg == "" || len(ops) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: raspmcp device map --id <device-id> --since <rfc3339> [--type <type>] <op>...")
		return 2
	}
	if _, err := time.Parse(time.RFC3339, *sinceArg); err != nil {
		_, _ = fmt.Fprintln(r.errOut, "error: --since must be RFC3339")
		return 2
	}
	device, err := r.client.SubmitMappings(ctx, api.SubmitMappingsRequest{
		DeviceID:   *deviceID,
		DeviceType: *deviceType,
		Operations: ops,
		Since:      *sinceArg,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(device)
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%s\n", device.DeviceID, device.DeviceType)
	for _, op := range device.Operations {
		_, _ = fmt.Fprintf(r.out, "  %s\t%s\t%s\n", op.Name, op.Signal.Protocol, describeSignal(op.Signal))
	}
	return 0
}

func (r *Runner) runDeviceList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("device list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	env, err := r.client.ListDevices(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, d := range env.Devices {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", d.DeviceID, d.DeviceType, strings.Join(d.Operations, ","))
	}
	return 0
}

func (r *Runner) runSend(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	carrier := fs.Uint("carrier", 0, "carrier frequency in Hz")
	duty := fs.Float64("duty", 0, "carrier duty cycle (0..1)")
	repeats := fs.Int("repeats", 0, "number of transmissions")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	rest := fs.Args()
	if len(rest) != 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: raspmcp send [flags] <device-id> <operation>")
		return 2
	}
	resp, err := r.client.Send(ctx, rest[0], api.SendRequest{
		Operation: rest[1],
		CarrierHz: uint32(*carrier),
		DutyCycle: float32(*duty),
		Repeats:   *repeats,
	})
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "%s %s: %s\n", resp.DeviceID, resp.Operation, resp.ResultCode)
	return 0
}

func (r *Runner) runTroubleshoot(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("troubleshoot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	repeats := fs.Int("repeats", 0, "transmissions per parameter combination")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	rest := fs.Args()
	if len(rest) != 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: raspmcp troubleshoot [flags] <device-id> <operation>")
		return 2
	}
	env, err := r.client.Troubleshoot(ctx, rest[0], api.TroubleshootRequest{
		Operation: rest[1],
		Repeats:   *repeats,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, res := range env.Results {
		outcome := "sent"
		if res.Error != "" {
			outcome = "failed: " + res.Error
		}
		_, _ = fmt.Fprintf(r.out, "%d Hz\tduty=%.2f\trepeats=%d\t%s\n", res.CarrierHz, res.DutyCycle, res.Repeats, outcome)
	}
	return 0
}

func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON lines")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	err := r.client.Watch(ctx, func(line api.WatchLine) error {
		if *jsonOut {
			payload, err := json.Marshal(line)
			if err != nil {
				return err
			}
			_, _ = r.out.Write(payload)
			_, _ = fmt.Fprintln(r.out)
			return nil
		}
		if line.Type == "captured_event" && line.Event != nil {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", line.Event.CapturedAt, line.Event.Signal.Protocol, describeSignal(line.Event.Signal))
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runHealth(ctx context.Context) int {
	h, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, h.Status)
	return 0
}

func (r *Runner) printJSON(payload any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	var reqErr *appclient.RequestError
	if errors.As(err, &reqErr) {
		_, _ = fmt.Fprintf(r.errOut, "error: %s\n", reqErr.Error())
		return 1
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, `usage: raspmcp [--socket <path>] <command>

commands:
  listen <start|stop|status|clear>   control the capture session
  events [--since <rfc3339>]         list captured events
  guidance [--type <device-type>]    show operation naming guidance
  device map --id <id> --since <t> [--type <type>] <op>...
                                     bind captured events to operations
  device list                        list registered devices
  device ops <device-id>             list a device's operations
  device delete <device-id>          remove a device
  send <device-id> <operation>       transmit a bound operation
  troubleshoot <device-id> <operation>
                                     sweep carrier parameters
  watch                              stream captured events
  health                             daemon health`)
}
