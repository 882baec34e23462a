package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	canflash "github.com/epsilontech/canflash"
	_ "github.com/epsilontech/canflash/pkg/can/socketcan"
	_ "github.com/epsilontech/canflash/pkg/can/virtual"
	"github.com/epsilontech/canflash/pkg/config"
	"github.com/epsilontech/canflash/pkg/sdo"
	"github.com/epsilontech/canflash/pkg/update"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagInterface string
	flagBitrate   int
	flagConfig    string
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "canflash <node_id> <firmware_path> [<bus_channel>]",
	Short: "Flash battery module firmware over CAN",
	Long: `canflash uploads a firmware image to a battery module bootloader
over a CAN bus, switching the module to bootloader mode first and back
to the application afterwards. The firmware may be a line record file
or a raw binary image.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runUpdate,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVarP(&flagInterface, "interface", "i", "", "bus backend (socketcan, virtual)")
	rootCmd.Flags().IntVarP(&flagBitrate, "bitrate", "b", 0, "bus bitrate")
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "configuration file")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if flagVerbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg := config.Default()
	if flagConfig != "" {
		if err := cfg.Load(flagConfig); err != nil {
			return err
		}
	}
	nodeId, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil || nodeId == 0 {
		return fmt.Errorf("invalid node id %q", args[0])
	}
	cfg.NodeId = uint8(nodeId)
	if len(args) == 3 {
		cfg.Channel = args[2]
	}
	if flagInterface != "" {
		cfg.Interface = flagInterface
	}
	if flagBitrate != 0 {
		cfg.Bitrate = flagBitrate
	}

	firmware, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}

	bus, err := canflash.NewBus(cfg.Interface, cfg.Channel, cfg.Bitrate)
	if err != nil {
		return err
	}
	bm := canflash.NewBusManager(bus)
	if err := bm.Connect(); err != nil {
		return err
	}
	defer func() {
		if err := bm.Disconnect(); err != nil {
			log.Warnf("[CAN] disconnect : %v", err)
		}
	}()

	updater, err := update.New(bm, cfg)
	if err != nil {
		return err
	}
	updater.SetObserver(printProgress)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := updater.Run(ctx, firmware); err != nil {
		fmt.Println()
		return err
	}
	fmt.Println()
	color.Green("update complete in %v", time.Since(start).Round(time.Second))
	return nil
}

// printProgress redraws a single status line for each acknowledged
// segment batch. Redraws are throttled, a full image is well over a
// hundred thousand segments.
var lastDraw time.Time

func printProgress(p sdo.Progress) {
	final := p.BytesSent == p.BytesTotal
	if !final && time.Since(lastDraw) < 100*time.Millisecond {
		return
	}
	lastDraw = time.Now()
	percent := float64(p.BytesSent) / float64(p.BytesTotal) * 100
	fmt.Printf("\r%s %s / %s (%s/s) segment %s of %s",
		color.GreenString("%5.1f%%", percent),
		humanize.Bytes(uint64(p.BytesSent)),
		humanize.Bytes(uint64(p.BytesTotal)),
		humanize.Bytes(uint64(p.Rate)),
		humanize.Comma(int64(p.Segments)),
		humanize.Comma(int64(p.SegmentsTotal)))
	if p.Retries > 0 {
		fmt.Printf(" (%v resends)", p.Retries)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("[UPDATE] %v", err)
		os.Exit(1)
	}
}
