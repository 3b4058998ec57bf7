package record

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"code.cloudfoundry.org/bytefmt"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zmdio/zmd/broadcast"
	"github.com/zmdio/zmd/frontend/stream"
	"github.com/zmdio/zmd/recorder"
	"github.com/zmdio/zmd/sched"
	"github.com/zmdio/zmd/utils"
	"github.com/zmdio/zmd/utils/log"
)

const (
	usage                 = "record OUT [SYMS]"
	short                 = "Run the broadcast ring with the recorder bound to a capture file"
	long                  = "This command opens the broadcast ring and records every frame to OUT until interrupted"
	example               = "zmd record --config <path> OUT"
	defaultConfigFilePath = "./zmd.yml"
	configDesc            = "set the path for the zmd YAML configuration file"
)

var (
	// Cmd is the record command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"rec"},
		SuggestFor: []string{"capture"},
		Example:    example,
		Args:       cobra.RangeArgs(1, 2),
		RunE:       executeRecord,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeRecord implements the record command.
func executeRecord(cmd *cobra.Command, args []string) error {
	outPath := args[0]
	if len(args) > 1 {
		// symbol selection happens in the feed host; the recorder itself
		// persists every frame on the ring
		log.Warn("ignoring symbol list %q", args[1])
	}

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}
	cmd.SilenceUsage = true
	log.Info("using %v for configuration", configFilePath)

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
	log.Info("opened ring %q (%s arena, %d reader slots)",
		config.RingName, bytefmt.ByteSize(uint64(config.RingSize)), config.ReaderSlots)

	rec := recorder.New(b, sch)
	if err := rec.Start(outPath); err != nil {
		return fmt.Errorf("failed to start recorder: %w", err)
	}
	log.Info("recording to %v", outPath)

	if config.StreamListenURL != "" {
		log.Info("initializing websocket fanout...")
		stream.Initialize()
		if err := stream.PumpRing(b); err != nil {
			return fmt.Errorf("failed to attach stream fanout: %w", err)
		}
		defer stream.StopPump()
		http.HandleFunc("/ws", stream.Handler)

		log.Info("launching prometheus metrics server...")
		http.Handle("/metrics", promhttp.Handler())

		go func() {
			if err := http.ListenAndServe(config.StreamListenURL, nil); err != nil {
				log.Error("stream listener error: %v", err)
			}
		}()
	}

	// Block until a signal asks us to wind down.
	signalChan := make(chan os.Signal, 10)
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	for s := range signalChan {
		switch s {
		case syscall.SIGUSR1:
			log.Info("dumping stack traces due to SIGUSR1 request")
			if err := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err != nil {
				log.Error("failed to write goroutine pprof: %v", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Info("initiating graceful shutdown due to '%v' request", s)
			path, err := rec.Stop()
			if err != nil {
				return err
			}
			log.Info("capture closed: %v", path)
			return nil
		}
	}
	return nil
}
