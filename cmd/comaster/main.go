package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/caarlos0/env"
	canopen "github.com/kestrel-robotics/canopen-master"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type cliConfig struct {
	Interface       string `env:"CAN_INTERFACE" envDefault:"can0"`
	Bitrate         int    `env:"CAN_BITRATE" envDefault:"500000"`
	SDOTimeoutMs    int    `env:"SDO_TIMEOUT_MS" envDefault:"100"`
	SDORetries      int    `env:"SDO_RETRIES" envDefault:"1"`
	AliveIntervalMs int    `env:"ALIVE_CHECK_INTERVAL_MS" envDefault:"1000"`
	Verbose         bool   `env:"COMASTER_VERBOSE" envDefault:"false"`
}

var cfg cliConfig

func newCore() (*canopen.Core, error) {
	config := canopen.NewDefaultConfig()
	config.SDOResponseTimeout = time.Duration(cfg.SDOTimeoutMs) * time.Millisecond
	config.RepeatsOnSDOTimeout = cfg.SDORetries
	config.AliveCheckInterval = time.Duration(cfg.AliveIntervalMs) * time.Millisecond
	core := canopen.NewCore(canopen.NewSocketCANBus(cfg.Interface, cfg.Bitrate), config)
	err := core.Start()
	if err != nil {
		return nil, err
	}
	return core, nil
}

func parseUint(arg string, bits int) (uint64, error) {
	return strconv.ParseUint(arg, 0, bits)
}

var rootCmd = &cobra.Command{
	Use:   "comaster",
	Short: "CANopen master utility",
	Long:  "comaster drives CANopen slave devices : node discovery, SDO access and PDO monitoring.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfg.Verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover nodes on the bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := newCore()
		if err != nil {
			return err
		}
		defer core.Stop()
		core.NMT.RegisterDeviceAliveCallback(func(nodeId uint8) {
			state, _ := core.NMT.NodeState(nodeId)
			fmt.Printf("node x%02x alive, state %v\n", nodeId, state)
		})
		err = core.NMT.DiscoverNodes()
		if err != nil {
			return err
		}
		time.Sleep(2 * time.Second)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <node> <index> <subindex>",
	Short: "SDO upload a dictionary entry",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeId, err := parseUint(args[0], 8)
		if err != nil {
			return err
		}
		index, err := parseUint(args[1], 16)
		if err != nil {
			return err
		}
		subindex, err := parseUint(args[2], 8)
		if err != nil {
			return err
		}
		core, err := newCore()
		if err != nil {
			return err
		}
		defer core.Stop()
		data, err := core.SDO.Upload(uint8(nodeId), uint16(index), uint8(subindex))
		if err != nil {
			return err
		}
		fmt.Printf("% x\n", data)
		return nil
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <node> <index> <subindex> <value> <width>",
	Short: "SDO download an unsigned value of 1, 2 or 4 bytes",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeId, err := parseUint(args[0], 8)
		if err != nil {
			return err
		}
		index, err := parseUint(args[1], 16)
		if err != nil {
			return err
		}
		subindex, err := parseUint(args[2], 8)
		if err != nil {
			return err
		}
		value, err := parseUint(args[3], 32)
		if err != nil {
			return err
		}
		width, err := parseUint(args[4], 8)
		if err != nil {
			return err
		}
		var data []byte
		switch width {
		case 1:
			data = []byte{uint8(value)}
		case 2:
			data = make([]byte, 2)
			binary.LittleEndian.PutUint16(data, uint16(value))
		case 4:
			data = make([]byte, 4)
			binary.LittleEndian.PutUint32(data, uint32(value))
		default:
			return fmt.Errorf("width should be 1, 2 or 4, got %v", width)
		}
		core, err := newCore()
		if err != nil {
			return err
		}
		defer core.Stop()
		return core.SDO.Download(uint8(nodeId), uint16(index), uint8(subindex), data)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor <cobid>",
	Short: "Print every PDO frame received on a COB-ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cobId, err := parseUint(args[0], 16)
		if err != nil {
			return err
		}
		core, err := newCore()
		if err != nil {
			return err
		}
		defer core.Stop()
		core.PDO.AddPDOReceivedCallback(uint16(cobId), func(payload []byte) {
			fmt.Printf("x%03x : % x\n", cobId, payload)
		})
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		return nil
	},
}

func main() {
	err := env.Parse(&cfg)
	if err != nil {
		log.Fatalf("cannot parse environment : %v", err)
	}
	rootCmd.AddCommand(scanCmd, readCmd, writeCmd, monitorCmd)
	err = rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
