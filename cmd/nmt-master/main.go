// Command nmt-master is an interactive CANopen NMT master console.
//
// It loads a YAML network configuration, attaches to a SocketCAN
// interface and runs the NMT master startup procedure: booting the
// configured slaves, supervising them via heartbeat or node guarding and
// applying the configured error policies. A readline console exposes the
// network for inspection and manual commands.
//
// Usage:
//
//	nmt-master -config <file> [flags]
//
// Flags:
//
//	-config string   Network configuration file (required)
//	-iface string    CAN interface name (default "can0")
//	-log string      Protocol trace file (CBOR event log)
//	-tick duration   Reactor tick interval (default 10ms)
//	-verbose         Mirror trace events to stderr
//
// Examples:
//
//	# Run the master on can0 with a trace log
//	nmt-master -config network.yaml -log trace.clog
//
//	# Higher timer resolution for short guard times
//	nmt-master -config network.yaml -tick 1ms -verbose
package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"time"

	"github.com/notnil/canbus"

	"github.com/canopen-protocol/canopen-go/cmd/nmt-master/interactive"
	"github.com/canopen-protocol/canopen-go/pkg/config"
	"github.com/canopen-protocol/canopen-go/pkg/dict"
	"github.com/canopen-protocol/canopen-go/pkg/heartbeat"
	"github.com/canopen-protocol/canopen-go/pkg/log"
	"github.com/canopen-protocol/canopen-go/pkg/nmt"
	"github.com/canopen-protocol/canopen-go/pkg/sdo"
)

var flags struct {
	ConfigFile string
	Iface      string
	LogFile    string
	Tick       time.Duration
	Verbose    bool
}

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Network configuration file (required)")
	flag.StringVar(&flags.Iface, "iface", "can0", "CAN interface name")
	flag.StringVar(&flags.LogFile, "log", "", "Protocol trace file (CBOR event log)")
	flag.DurationVar(&flags.Tick, "tick", 10*time.Millisecond, "Reactor tick interval")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Mirror trace events to stderr")
}

func main() {
	flag.Parse()
	stdlog.SetFlags(stdlog.Ltime | stdlog.Lmicroseconds)

	if flags.ConfigFile == "" {
		stdlog.Fatal("missing -config")
	}

	network, err := config.Load(flags.ConfigFile)
	if err != nil {
		stdlog.Fatalf("load configuration: %v", err)
	}
	d, err := network.Dictionary()
	if err != nil {
		stdlog.Fatalf("build dictionary: %v", err)
	}

	bus, err := canbus.DialSocketCAN(flags.Iface)
	if err != nil {
		stdlog.Fatalf("open %s: %v", flags.Iface, err)
	}
	defer bus.Close()

	logger, closeLog, err := buildLogger()
	if err != nil {
		stdlog.Fatalf("open trace log: %v", err)
	}
	defer closeLog()

	engine := sdo.NewEngine(bus)
	svc, err := nmt.New(nmt.Config{
		Sender:          bus,
		Dict:            d,
		SDO:             engine,
		ConfigRequester: &stampRequester{dict: d, eng: engine},
		Logger:          logger,
	})
	if err != nil {
		stdlog.Fatalf("create NMT service: %v", err)
	}

	r := newReactor(svc, engine, flags.Tick)

	console, err := interactive.New(svc, engine, r)
	if err != nil {
		stdlog.Fatalf("create console: %v", err)
	}
	registerEventOutput(svc, console)

	stdlog.Printf("Node %d on %s (%s)", d.NodeID(), flags.Iface, flags.ConfigFile)

	go r.run(bus)
	r.Do(func(now time.Time) {
		_ = svc.ApplyCommand(nmt.CommandResetNode, now)
	})

	console.Run(r.done, r.stop)
}

// buildLogger assembles the trace logger from the -log and -verbose flags.
func buildLogger() (log.Logger, func(), error) {
	var loggers []log.Logger
	closeLog := func() {}

	if flags.LogFile != "" {
		fl, err := log.NewFileLogger(flags.LogFile)
		if err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, fl)
		closeLog = func() { _ = fl.Close() }
	}
	if flags.Verbose {
		loggers = append(loggers, log.NewSlogAdapter(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	}

	switch len(loggers) {
	case 0:
		return log.NoopLogger{}, closeLog, nil
	case 1:
		return loggers[0], closeLog, nil
	default:
		return log.NewMultiLogger(loggers...), closeLog, nil
	}
}

// registerEventOutput prints protocol events on the console's coordinated
// writer so they do not tear the prompt.
func registerEventOutput(svc *nmt.Service, console *interactive.Console) {
	out := console.Stdout()

	svc.OnStateChange(func(old, new nmt.State) {
		fmt.Fprintf(out, "[NMT] %s -> %s\n", old, new)
	})
	svc.OnBoot(func(node uint8, st uint8, es nmt.BootStatus) {
		if es.Benign() {
			fmt.Fprintf(out, "[BOOT] node %d booted (%s)\n", node, es.Description())
			return
		}
		fmt.Fprintf(out, "[BOOT] node %d failed: %s (%s)\n", node, es, es.Description())
	})
	svc.OnHeartbeat(func(node uint8, ev heartbeat.TimeoutEvent) {
		fmt.Fprintf(out, "[HB] node %d: %s\n", node, ev)
	})
	svc.OnGuard(func(node uint8, ev nmt.GuardEvent) {
		fmt.Fprintf(out, "[GUARD] node %d: %s\n", node, ev)
	})
	svc.OnConfig(func(node uint8, err error) {
		if err != nil {
			fmt.Fprintf(out, "[CFG] node %d: %v\n", node, err)
			return
		}
		fmt.Fprintf(out, "[CFG] node %d configured\n", node)
	})
}

// reactor owns the protocol state. Received frames, timer ticks and
// console actions are serialized onto its goroutine; nothing else touches
// the service or the engine.
type reactor struct {
	svc  *nmt.Service
	eng  *sdo.Engine
	tick time.Duration

	frames  chan canbus.Frame
	actions chan func(now time.Time)
	done    chan struct{}
}

func newReactor(svc *nmt.Service, eng *sdo.Engine, tick time.Duration) *reactor {
	return &reactor{
		svc:     svc,
		eng:     eng,
		tick:    tick,
		frames:  make(chan canbus.Frame, 64),
		actions: make(chan func(now time.Time), 16),
		done:    make(chan struct{}),
	}
}

// Do implements interactive.Dispatcher.
func (r *reactor) Do(fn func(now time.Time)) {
	select {
	case r.actions <- fn:
	case <-r.done:
	}
}

func (r *reactor) stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// run pumps the bus and the clock into the protocol state machines. It
// owns a second goroutine blocked on Bus.Receive; closing the bus on
// shutdown unblocks it.
func (r *reactor) run(bus canbus.Bus) {
	go func() {
		for {
			f, err := bus.Receive()
			if err != nil {
				r.stop()
				return
			}
			select {
			case r.frames <- f:
			case <-r.done:
				return
			}
		}
	}()

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case f := <-r.frames:
			now := time.Now()
			r.svc.OnFrame(f, now)
			r.eng.OnFrame(f, now)
		case <-ticker.C:
			now := time.Now()
			r.svc.OnTime(now)
			r.eng.OnTime(now)
		case fn := <-r.actions:
			fn(time.Now())
		case <-r.done:
			return
		}
	}
}

// stampRequester implements nmt.ConfigRequester by downloading the
// expected configuration stamps (objects 1F26/1F27) into the slave's
// verify-configuration object so the next boot's check passes.
type stampRequester struct {
	dict *dict.Dictionary
	eng  *sdo.Engine
}

func (r *stampRequester) Request(node uint8, done func(err error)) {
	date, _ := r.dict.U32(dict.IdxExpectedConfigDate, node)
	tm, _ := r.dict.U32(dict.IdxExpectedConfigTime, node)
	r.eng.Download(node, dict.IdxVerifyConfig, 0x01, sdo.U32Bytes(date), time.Second, func(err error) {
		if err != nil {
			done(err)
			return
		}
		r.eng.Download(node, dict.IdxVerifyConfig, 0x02, sdo.U32Bytes(tm), time.Second, done)
	})
}
