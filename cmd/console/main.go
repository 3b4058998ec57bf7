// Package console provides an interactive command session against a live
// broadcast ring: start and stop recordings, replay capture files, and
// inspect ring counters.
package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/zmdio/zmd/broadcast"
	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/recorder"
	"github.com/zmdio/zmd/replay"
	"github.com/zmdio/zmd/sched"
	"github.com/zmdio/zmd/utils"
	"github.com/zmdio/zmd/utils/log"
)

const (
	usage                 = "console"
	short                 = "Open an interactive session with a broadcast ring"
	long                  = "This command opens an interactive session with a broadcast ring"
	example               = "zmd console --config <path>"
	defaultConfigFilePath = "./zmd.yml"
	configDesc            = "set the path for the zmd YAML configuration file"
)

var (
	// Cmd is the console command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		SuggestFor: []string{"shell", "session"},
		Example:    example,
		RunE:       executeConsole,
	}
	configFilePath string
)

func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// session holds the live handles the command loop operates on.
type session struct {
	sch *sched.Scheduler
	b   *broadcast.Broadcast
	rec *recorder.Recorder
	rp  *replay.Replayer
}

// executeConsole implements the console command.
func executeConsole(cmd *cobra.Command, args []string) error {
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

	s := &session{sch: sch, b: b, rec: recorder.New(b, sch)}
	s.rp = replay.New(sch, s.apply)

	if err := s.read(); err != nil {
		return err
	}
	log.Info("closed session")
	return nil
}

// apply pushes a replayed frame back onto the ring.
func (s *session) apply(hdr *frame.Header, body []byte, stamp time.Time) {
	buf := append([]byte(nil), body...)
	typ, shard := hdr.Type, hdr.Shard
	s.sch.Run(sched.BroadcastTx, func() {
		if err := s.b.Out(buf, typ, shard); err != nil {
			log.Error("replay push failed: %v", err)
		}
	})
}

// read kicks off the buffer reading process.
func (s *session) read() error {
	r, err := newReader()
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Fprintf(os.Stderr, "Type `\\help` to see command options\n")

	// User input evaluation loop.
EVAL:
	for {
		line, err := r.Readline()

		// Terminate evaluation.
		if errors.Is(err, io.EOF) {
			break EVAL
		}

		// Printed interrupt prompt.
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			continue
		}

		line = strings.Trim(line, " ")

		// Evaluate.
		switch {
		case strings.HasPrefix(line, `\record`):
			s.record(line)
		case strings.HasPrefix(line, `\endrec`):
			s.endrec()
		case strings.HasPrefix(line, `\replay`):
			s.replay(line)
		case strings.HasPrefix(line, `\stop`):
			s.stopReplay()
		case strings.HasPrefix(line, `\stat`):
			s.stat()
		case strings.HasPrefix(line, `\help`) || strings.HasPrefix(line, `\?`):
			s.help()
		case line == `\exit` || line == `\quit` || line == `\q`:
			break EVAL
		case line == "":
			// no-op
		default:
			fmt.Fprintf(os.Stderr, "ERROR: unknown command %q\n", line)
		}
	}
	return nil
}

func (s *session) record(line string) {
	args := strings.Fields(line)
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: \\record FILE\n")
		return
	}
	if err := s.rec.Start(args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return
	}
	fmt.Printf("recording to %s\n", args[1])
}

func (s *session) endrec() {
	path, err := s.rec.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return
	}
	fmt.Printf("capture closed: %s\n", path)
}

func (s *session) replay(line string) {
	args := strings.Fields(line)
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: \\replay FILE\n")
		return
	}
	path := args[1]
	err := s.rp.Replay(path, replay.Options{
		OnEOF: func() { fmt.Printf("replay complete: %s\n", path) },
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return
	}
	fmt.Printf("replaying %s\n", path)
}

func (s *session) stopReplay() {
	if s.rp.State() != replay.Running {
		fmt.Fprintf(os.Stderr, "ERROR: no replay running\n")
		return
	}
	if err := s.rp.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return
	}
	fmt.Printf("replay stopped\n")
}

func (s *session) stat() {
	st := s.b.Stats()
	fmt.Printf("frames in:  %d\n", st.InCount)
	fmt.Printf("bytes in:   %s\n", bytefmt.ByteSize(st.InBytes))
	fmt.Printf("frames out: %d\n", st.OutCount)
	fmt.Printf("bytes out:  %s\n", bytefmt.ByteSize(st.OutBytes))
	if path, ok := s.rec.Recording(); ok {
		fmt.Printf("recording:  %s\n", path)
	}
	fmt.Printf("replay:     %v\n", s.rp.State())
}

func (s *session) help() {
	fmt.Print(`commands:
  \record FILE   record ring frames to FILE
  \endrec        stop the active recording
  \replay FILE   replay FILE into the ring
  \stop          stop the active replay
  \stat          show ring counters
  \help, \?      show this help
  \exit, \q      leave the session
`)
}

func newReader() (*readline.Instance, error) {
	// Determine history file path.
	usr, err := user.Current()
	if err != nil {
		return nil, errors.New("unable to obtain home directory")
	}
	history := filepath.Join(usr.HomeDir, ".zmdReaderHistory")

	// Register commands with autocompletion.
	autoComplete := readline.NewPrefixCompleter(
		readline.PcItem(`\record`),
		readline.PcItem(`\endrec`),
		readline.PcItem(`\replay`),
		readline.PcItem(`\stop`),
		readline.PcItem(`\stat`),
		readline.PcItem(`\help`),
		readline.PcItem(`\exit`),
		readline.PcItem(`\quit`),
		readline.PcItem(`\q`),
		readline.PcItem(`\?`),
	)

	config := &readline.Config{
		Prompt:          "\033[31mzmd»\033[0m ",
		HistoryFile:     history,
		AutoComplete:    autoComplete,
		InterruptPrompt: "\nInterrupt, Press Ctrl+D to exit",
		EOFPrompt:       "exit",
	}

	return readline.NewEx(config)
}
