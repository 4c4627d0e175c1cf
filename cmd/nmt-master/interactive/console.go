// Package interactive provides the interactive command-line interface
// for the NMT master console.
package interactive

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/canopen-protocol/canopen-go/pkg/nmt"
	"github.com/canopen-protocol/canopen-go/pkg/sdo"
)

// Dispatcher runs a function on the reactor goroutine. All service and
// engine access from the console goes through it.
type Dispatcher interface {
	Do(fn func(now time.Time))
}

// Console handles interactive mode for nmt-master.
type Console struct {
	svc      *nmt.Service
	eng      *sdo.Engine
	dispatch Dispatcher
	rl       *readline.Instance

	sdoTimeout time.Duration
}

// New creates a new interactive console handler.
func New(svc *nmt.Service, eng *sdo.Engine, dispatch Dispatcher) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "nmt> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Console{
		svc:        svc,
		eng:        eng,
		dispatch:   dispatch,
		rl:         rl,
		sdoTimeout: time.Second,
	}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for event output to avoid interfering with the command prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run starts the interactive command loop. It returns when the context is
// canceled or the user exits, canceling the context in the latter case.
func (c *Console) Run(done <-chan struct{}, cancel func()) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-done:
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "state", "st":
			c.cmdState()

		case "slaves", "ls":
			c.cmdSlaves()

		case "start", "stop", "preop", "reset", "resetcomm":
			c.cmdSend(cmd, args)

		case "boot":
			c.cmdBoot(args)

		case "config":
			c.cmdConfig(args)

		case "read", "r":
			c.cmdRead(args)

		case "write", "w":
			c.cmdWrite(args)

		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
NMT Master Commands:
  Network Management:
    state                      - Show local NMT state
    slaves                     - Show the slave table
    start|stop|preop <node>    - Send an NMT command (node 0 = all)
    reset|resetcomm <node>     - Reset node / reset communication
    boot <node> [timeout]      - Run the boot-slave procedure
    config <node>              - Push stored configuration to a slave

  Object Access (SDO):
    read <node> <index> <sub>          - Read an object (e.g. read 2 0x1017 0)
    write <node> <index> <sub> <value> - Write a 32-bit object

  General:
    help                       - Show this help
    quit                       - Exit console`)
}

func (c *Console) cmdState() {
	out := c.rl.Stdout()
	c.dispatch.Do(func(now time.Time) {
		role := "slave"
		if c.svc.IsMaster() {
			role = "master"
		}
		fmt.Fprintf(out, "Node %d: %s (%s)\n", c.svc.NodeID(), c.svc.State(), role)
		if c.svc.StartupHalted() {
			fmt.Fprintln(out, "Startup halted: a mandatory slave failed to boot")
		}
	})
}

func (c *Console) cmdSlaves() {
	out := c.rl.Stdout()
	c.dispatch.Do(func(now time.Time) {
		count := 0
		for node := uint8(1); node <= 127; node++ {
			st, stKnown := c.svc.SlaveState(node)
			es, booted := c.svc.SlaveBooted(node)
			if !stKnown && !booted {
				continue
			}
			count++
			line := fmt.Sprintf("  node %3d:", node)
			if stKnown {
				if s, ok := nmt.StateFromStatus(st); ok {
					line += fmt.Sprintf(" state %s", s)
				} else {
					line += fmt.Sprintf(" status 0x%02X", st)
				}
			}
			if booted {
				line += fmt.Sprintf(" boot %s", es)
			}
			fmt.Fprintln(out, line)
		}
		if count == 0 {
			fmt.Fprintln(out, "No slaves seen yet")
		}
	})
}

var commandNames = map[string]nmt.Command{
	"start":     nmt.CommandStart,
	"stop":      nmt.CommandStop,
	"preop":     nmt.CommandEnterPreOperational,
	"reset":     nmt.CommandResetNode,
	"resetcomm": nmt.CommandResetCommunication,
}

func (c *Console) cmdSend(name string, args []string) {
	out := c.rl.Stdout()
	if len(args) < 1 {
		fmt.Fprintf(out, "Usage: %s <node>\n", name)
		return
	}
	node, err := parseNode(args[0], true)
	if err != nil {
		fmt.Fprintf(out, "Invalid node: %v\n", err)
		return
	}
	cs := commandNames[name]
	c.dispatch.Do(func(now time.Time) {
		if err := c.svc.SendCommand(cs, node, now); err != nil {
			fmt.Fprintf(out, "Send failed: %v\n", err)
		}
	})
}

func (c *Console) cmdBoot(args []string) {
	out := c.rl.Stdout()
	if len(args) < 1 {
		fmt.Fprintln(out, "Usage: boot <node> [timeout]")
		return
	}
	node, err := parseNode(args[0], false)
	if err != nil {
		fmt.Fprintf(out, "Invalid node: %v\n", err)
		return
	}
	timeout := time.Duration(0)
	if len(args) > 1 {
		timeout, err = time.ParseDuration(args[1])
		if err != nil {
			fmt.Fprintf(out, "Invalid timeout: %v\n", err)
			return
		}
	}
	c.dispatch.Do(func(now time.Time) {
		if err := c.svc.BootSlave(node, timeout, now); err != nil {
			fmt.Fprintf(out, "Boot failed: %v\n", err)
			return
		}
		fmt.Fprintf(out, "Booting node %d...\n", node)
	})
}

func (c *Console) cmdConfig(args []string) {
	out := c.rl.Stdout()
	if len(args) < 1 {
		fmt.Fprintln(out, "Usage: config <node>")
		return
	}
	node, err := parseNode(args[0], false)
	if err != nil {
		fmt.Fprintf(out, "Invalid node: %v\n", err)
		return
	}
	c.dispatch.Do(func(now time.Time) {
		if err := c.svc.RequestConfiguration(node, now); err != nil {
			fmt.Fprintf(out, "Configuration request failed: %v\n", err)
		}
	})
}

func (c *Console) cmdRead(args []string) {
	out := c.rl.Stdout()
	if len(args) < 3 {
		fmt.Fprintln(out, "Usage: read <node> <index> <sub>")
		return
	}
	node, index, sub, err := parseObject(args)
	if err != nil {
		fmt.Fprintf(out, "Invalid object: %v\n", err)
		return
	}
	c.dispatch.Do(func(now time.Time) {
		c.eng.Upload(node, index, sub, c.sdoTimeout, func(data []byte, err error) {
			if err != nil {
				fmt.Fprintf(out, "Read %04X:%02X failed: %v\n", index, sub, err)
				return
			}
			fmt.Fprintf(out, "%04X:%02X = 0x%08X (% X)\n", index, sub, sdo.U32(data), data)
		})
	})
}

func (c *Console) cmdWrite(args []string) {
	out := c.rl.Stdout()
	if len(args) < 4 {
		fmt.Fprintln(out, "Usage: write <node> <index> <sub> <value>")
		return
	}
	node, index, sub, err := parseObject(args)
	if err != nil {
		fmt.Fprintf(out, "Invalid object: %v\n", err)
		return
	}
	value, err := strconv.ParseUint(args[3], 0, 32)
	if err != nil {
		fmt.Fprintf(out, "Invalid value: %v\n", err)
		return
	}
	c.dispatch.Do(func(now time.Time) {
		c.eng.Download(node, index, sub, sdo.U32Bytes(uint32(value)), c.sdoTimeout, func(err error) {
			if err != nil {
				fmt.Fprintf(out, "Write %04X:%02X failed: %v\n", index, sub, err)
				return
			}
			fmt.Fprintf(out, "Wrote %04X:%02X = 0x%08X\n", index, sub, uint32(value))
		})
	})
}

func parseNode(s string, allowBroadcast bool) (uint8, error) {
	if allowBroadcast && (s == "all" || s == "0") {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 127 {
		return 0, fmt.Errorf("node %d out of range 1..127", n)
	}
	return uint8(n), nil
}

func parseObject(args []string) (node uint8, index uint16, sub uint8, err error) {
	node, err = parseNode(args[0], false)
	if err != nil {
		return 0, 0, 0, err
	}
	idx, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		return 0, 0, 0, err
	}
	s, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		return 0, 0, 0, err
	}
	return node, uint16(idx), uint8(s), nil
}
