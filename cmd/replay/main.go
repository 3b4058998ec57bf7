package replay

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmdio/zmd/broadcast"
	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/replay"
	"github.com/zmdio/zmd/sched"
	"github.com/zmdio/zmd/utils"
	"github.com/zmdio/zmd/utils/log"
)

const (
	usage                 = "replay FILE"
	short                 = "Replay a capture file into the broadcast ring"
	long                  = "This command replays FILE frame by frame into the broadcast ring, honoring recorded inter-arrival gaps"
	example               = "zmd replay --config <path> session.zmd"
	defaultConfigFilePath = "./zmd.yml"
	configDesc            = "set the path for the zmd YAML configuration file"
	beginDesc             = "skip frames stamped before this RFC3339 time"
	speedDesc             = "playback speed multiplier; 0 replays as fast as possible"
)

var (
	// Cmd is the replay command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		SuggestFor: []string{"play", "playback"},
		Example:    example,
		Args:       cobra.ExactArgs(1),
		RunE:       executeReplay,
	}
	configFilePath string
	beginFlag      string
	speed          float64
)

func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
	Cmd.Flags().StringVarP(&beginFlag, "begin", "b", "", beginDesc)
	Cmd.Flags().Float64VarP(&speed, "speed", "x", 1.0, speedDesc)
}

// executeReplay implements the replay command.
func executeReplay(cmd *cobra.Command, args []string) error {
	path := args[0]

	var begin time.Time
	if beginFlag != "" {
		var err error
		begin, err = time.Parse(time.RFC3339, beginFlag)
		if err != nil {
			return fmt.Errorf("failed to parse begin time %q: %w", beginFlag, err)
		}
	}

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}
	cmd.SilenceUsage = true

	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}

	sch := sched.New()
	defer sch.Stop()

	b := broadcast.New(config, sch)
	if err := b.Open(); err != nil {
		return fmt.Errorf("failed to open broadcast ring %q: %w", config.RingName, err)
	}
	defer b.Close()

	// Pacing happens in the apply path: the first applied frame anchors the
	// recorded clock to the wall clock, later frames sleep out the scaled
	// gap before being pushed back onto the ring.
	var wallStart, base time.Time
	apply := func(hdr *frame.Header, body []byte, stamp time.Time) {
		if wallStart.IsZero() {
			wallStart = time.Now()
			base = stamp
		} else if speed > 0 {
			gap := time.Duration(float64(stamp.Sub(base)) / speed)
			if d := time.Until(wallStart.Add(gap)); d > 0 {
				time.Sleep(d)
			}
		}
		buf := append([]byte(nil), body...)
		typ, shard := hdr.Type, hdr.Shard
		sch.Run(sched.BroadcastTx, func() {
			if err := b.Out(buf, typ, shard); err != nil {
				log.Error("replay push failed: %v", err)
			}
		})
	}

	rp := replay.New(sch, apply)
	log.Info("replaying %v", path)
	if err := rp.Replay(path, replay.Options{Begin: begin}); err != nil {
		return err
	}

	for rp.State() == replay.Running {
		time.Sleep(10 * time.Millisecond)
	}
	if err := rp.Err(); err != nil {
		log.Error("replay failed: %v", err)
		return err
	}
	log.Info("replay complete: %v", path)
	return nil
}
