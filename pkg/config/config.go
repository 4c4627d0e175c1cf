// Package config loads CANopen network configuration from YAML and
// populates an object dictionary from it.
//
// A configuration file describes one node: its own error-control
// parameters, the NMT startup behavior and, for a master, the slave
// assignment table with per-slave expectations:
//
//	node_id: 1
//	heartbeat_producer_ms: 500
//	startup:
//	  master: true
//	consumers:
//	  - node: 2
//	    period_ms: 200
//	slaves:
//	  - node: 2
//	    mandatory: true
//	    boot: true
//	    expected:
//	      device_type: 0x00020192
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/canopen-protocol/canopen-go/pkg/dict"
)

// Network is the YAML structure of a network configuration file.
type Network struct {
	// NodeID is this node's CANopen node-ID (1..127).
	NodeID uint8 `yaml:"node_id"`

	// HeartbeatMS is the producer heartbeat period (object 1017), 0 off.
	HeartbeatMS uint16 `yaml:"heartbeat_producer_ms"`

	// GuardTimeMS and LifeTimeFactor configure life guarding (100C/100D).
	GuardTimeMS    uint16 `yaml:"guard_time_ms"`
	LifeTimeFactor uint8  `yaml:"life_time_factor"`

	// InhibitTime is the NMT inhibit time in 100 µs units (object 102A).
	InhibitTime uint16 `yaml:"inhibit_time_100us"`

	// ErrorBehavior is object 1029:01; nil leaves the default behavior.
	ErrorBehavior *uint8 `yaml:"error_behavior"`

	// Startup is the NMT startup word (object 1F80).
	Startup Startup `yaml:"startup"`

	// Consumers is the consumer heartbeat table (object 1016).
	Consumers []Consumer `yaml:"consumers"`

	// Slaves is the master's slave assignment table (1F81 and the
	// per-slave expectation objects).
	Slaves []Slave `yaml:"slaves"`

	// baseDir resolves relative program image paths; set by Load.
	baseDir string
}

// Startup expands the bits of the NMT startup word.
type Startup struct {
	Master            bool `yaml:"master"`
	StartAll          bool `yaml:"start_all"`
	NoAutoOperational bool `yaml:"no_auto_operational"`
	NoStartSlaves     bool `yaml:"no_start_slaves"`
	ResetAllOnError   bool `yaml:"reset_all_on_error"`
	StopAllOnError    bool `yaml:"stop_all_on_error"`
}

// Word returns the 1F80 value.
func (s Startup) Word() uint32 {
	var w uint32
	if s.Master {
		w |= dict.StartupMaster
	}
	if s.StartAll {
		w |= dict.StartupStartAll
	}
	if s.NoAutoOperational {
		w |= dict.StartupNoAutoOper
	}
	if s.NoStartSlaves {
		w |= dict.StartupNoStartSlaves
	}
	if s.ResetAllOnError {
		w |= dict.StartupResetAllOnErr
	}
	if s.StopAllOnError {
		w |= dict.StartupStopAllOnErr
	}
	return w
}

// Consumer is one row of the consumer heartbeat table.
type Consumer struct {
	Node     uint8  `yaml:"node"`
	PeriodMS uint16 `yaml:"period_ms"`
}

// Expected holds the per-slave verification values. Zero values skip the
// corresponding check.
type Expected struct {
	DeviceType  uint32 `yaml:"device_type"`
	VendorID    uint32 `yaml:"vendor_id"`
	ProductCode uint32 `yaml:"product_code"`
	Revision    uint32 `yaml:"revision"`
	Serial      uint32 `yaml:"serial"`
	SoftwareID  uint32 `yaml:"software_id"`
	ConfigDate  uint32 `yaml:"config_date"`
	ConfigTime  uint32 `yaml:"config_time"`
}

// Slave is one row of the slave assignment table.
type Slave struct {
	Node           uint8  `yaml:"node"`
	Mandatory      bool   `yaml:"mandatory"`
	Boot           bool   `yaml:"boot"`
	KeepAlive      bool   `yaml:"keep_alive"`
	VerifySoftware bool   `yaml:"verify_software"`
	UpdateSoftware bool   `yaml:"update_software"`
	NodeGuarding   bool   `yaml:"node_guarding"`
	RetryFactor    uint8  `yaml:"retry_factor"`
	GuardTimeMS    uint16 `yaml:"guard_time_ms"`

	Expected Expected `yaml:"expected"`

	// ProgramImage is the path of the firmware image downloaded on a
	// software update, relative to the configuration file.
	ProgramImage string `yaml:"program_image"`

	line int // source line, for error context
}

// Assignment returns the 1F81 value for the slave.
func (s Slave) Assignment() uint32 {
	a := dict.AssignInNetwork
	if s.Boot {
		a |= dict.AssignBoot
	}
	if s.Mandatory {
		a |= dict.AssignMandatory
	}
	if s.KeepAlive {
		a |= dict.AssignKeepAlive
	}
	if s.VerifySoftware {
		a |= dict.AssignVerifySW
	}
	if s.UpdateSoftware {
		a |= dict.AssignUpdateSW
	}
	if s.NodeGuarding {
		a |= dict.AssignNodeGuarding
	}
	a |= uint32(s.RetryFactor) << 8
	a |= uint32(s.GuardTimeMS) << 16
	return a
}

// Load reads and parses a network configuration file. Relative program
// image paths are resolved against the file's directory.
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	n.baseDir = filepath.Dir(path)
	return n, nil
}

// Parse parses a network configuration document.
func Parse(data []byte) (*Network, error) {
	var n Network
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	n.captureLines(data)
	if err := n.validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// captureLines records the source line of each slave entry for error
// messages. Parse failures here are ignored; the document already
// unmarshalled once.
func (n *Network) captureLines(data []byte) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil || root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "slaves" {
			continue
		}
		seq := doc.Content[i+1]
		if seq.Kind != yaml.SequenceNode {
			return
		}
		for j, item := range seq.Content {
			if j < len(n.Slaves) {
				n.Slaves[j].line = item.Line
			}
		}
	}
}

func (n *Network) validate() error {
	if n.NodeID < 1 || n.NodeID > 127 {
		return fmt.Errorf("config: node_id %d out of range 1..127", n.NodeID)
	}
	seen := make(map[uint8]bool)
	for i, c := range n.Consumers {
		if c.Node < 1 || c.Node > 127 {
			return fmt.Errorf("config: consumers[%d]: node %d out of range 1..127", i, c.Node)
		}
		if c.Node == n.NodeID {
			return fmt.Errorf("config: consumers[%d]: cannot supervise own node %d", i, c.Node)
		}
		if c.PeriodMS == 0 {
			return fmt.Errorf("config: consumers[%d]: period_ms must be positive", i)
		}
		if seen[c.Node] {
			return fmt.Errorf("config: consumers[%d]: duplicate node %d", i, c.Node)
		}
		seen[c.Node] = true
	}
	slaveSeen := make(map[uint8]bool)
	for i, s := range n.Slaves {
		ctx := fmt.Sprintf("config: slaves[%d]", i)
		if s.line > 0 {
			ctx = fmt.Sprintf("config: line %d: slaves[%d]", s.line, i)
		}
		if s.Node < 1 || s.Node > 127 {
			return fmt.Errorf("%s: node %d out of range 1..127", ctx, s.Node)
		}
		if s.Node == n.NodeID {
			return fmt.Errorf("%s: own node %d cannot be a slave", ctx, s.Node)
		}
		if slaveSeen[s.Node] {
			return fmt.Errorf("%s: duplicate node %d", ctx, s.Node)
		}
		slaveSeen[s.Node] = true
		if s.NodeGuarding && (s.RetryFactor == 0 || s.GuardTimeMS == 0) {
			return fmt.Errorf("%s: node_guarding needs retry_factor and guard_time_ms", ctx)
		}
		if s.UpdateSoftware && !s.VerifySoftware {
			return fmt.Errorf("%s: update_software needs verify_software", ctx)
		}
		if s.UpdateSoftware && s.ProgramImage == "" {
			return fmt.Errorf("%s: update_software needs program_image", ctx)
		}
	}
	if len(n.Slaves) > 0 && !n.Startup.Master {
		return fmt.Errorf("config: slaves configured but startup.master is false")
	}
	return nil
}

// Dictionary builds an object dictionary from the configuration. Program
// images referenced by slaves are read from disk.
func (n *Network) Dictionary() (*dict.Dictionary, error) {
	d := dict.New(n.NodeID)

	if n.HeartbeatMS > 0 {
		d.SetU16(dict.IdxProducerHeartbeat, 0, n.HeartbeatMS)
	}
	if n.GuardTimeMS > 0 {
		d.SetU16(dict.IdxGuardTime, 0, n.GuardTimeMS)
	}
	if n.LifeTimeFactor > 0 {
		d.SetU8(dict.IdxLifeTimeFactor, 0, n.LifeTimeFactor)
	}
	if n.InhibitTime > 0 {
		d.SetU16(dict.IdxNMTInhibitTime, 0, n.InhibitTime)
	}
	if n.ErrorBehavior != nil {
		d.SetU8(dict.IdxErrorBehavior, 1, *n.ErrorBehavior)
	}
	d.SetU32(dict.IdxNMTStartup, 0, n.Startup.Word())

	for i, c := range n.Consumers {
		d.SetU32(dict.IdxConsumerHeartbeat, uint8(i+1), uint32(c.Node)<<16|uint32(c.PeriodMS))
	}

	for _, s := range n.Slaves {
		d.SetU32(dict.IdxSlaveAssignment, s.Node, s.Assignment())
		setExpected(d, dict.IdxExpectedDeviceType, s.Node, s.Expected.DeviceType)
		setExpected(d, dict.IdxExpectedVendorID, s.Node, s.Expected.VendorID)
		setExpected(d, dict.IdxExpectedProduct, s.Node, s.Expected.ProductCode)
		setExpected(d, dict.IdxExpectedRevision, s.Node, s.Expected.Revision)
		setExpected(d, dict.IdxExpectedSerial, s.Node, s.Expected.Serial)
		setExpected(d, dict.IdxExpectedSoftwareID, s.Node, s.Expected.SoftwareID)
		setExpected(d, dict.IdxExpectedConfigDate, s.Node, s.Expected.ConfigDate)
		setExpected(d, dict.IdxExpectedConfigTime, s.Node, s.Expected.ConfigTime)

		if s.ProgramImage != "" {
			path := s.ProgramImage
			if !filepath.IsAbs(path) && n.baseDir != "" {
				path = filepath.Join(n.baseDir, path)
			}
			image, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("config: slave %d: program image: %w", s.Node, err)
			}
			d.SetBytes(dict.IdxProgramImage, s.Node, image)
		}
	}
	return d, nil
}

func setExpected(d *dict.Dictionary, index uint16, node uint8, v uint32) {
	if v != 0 {
		d.SetU32(index, node, v)
	}
}
