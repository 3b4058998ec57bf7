// Package dump prints the frames of a capture file for inspection.
package dump

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"github.com/zmdio/zmd/capture"
	"github.com/zmdio/zmd/frame"
	"github.com/zmdio/zmd/utils/log"
)

const (
	dumpUsage     = "dump"
	dumpShortDesc = "Print the frames of a capture file"
	dumpLongDesc  = "This command walks a capture file and prints one line per frame"
	dumpFileDesc  = "path to the capture file"
)

var (
	// Cmd is the dump command.
	Cmd = &cobra.Command{
		Use:     dumpUsage,
		Short:   dumpShortDesc,
		Long:    dumpLongDesc,
		Example: "zmd tool dump --file session.zmd",
		RunE:    executeDump,
	}
	// capturePath is the path to the capture file.
	capturePath string
)

func init() {
	Cmd.Flags().StringVarP(&capturePath, "file", "f", "", dumpFileDesc)
	Cmd.MarkFlagRequired("file")
}

func executeDump(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	r, err := capture.Open(filepath.Clean(capturePath))
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Printf("capture %s version %d.%d\n",
		capturePath, r.Version().Major, r.Version().Minor)

	var (
		frames   uint64
		bytes    uint64
		lastTime time.Time
	)
	for {
		hdr, body, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Error("dump stopped: %v", err)
			return err
		}

		frames++
		bytes += uint64(hdr.FramedSize())
		if hdr.Type == frame.TypeHeartbeat {
			if int(hdr.Len) >= frame.HeartbeatBodyLen {
				lastTime = frame.DecodeHeartbeatBody(body)
			}
			fmt.Printf("%-12d HEARTBEAT %s\n", hdr.SeqNo, lastTime.Format(time.RFC3339Nano))
			continue
		}
		lastTime = lastTime.Add(time.Duration(hdr.Nsec))
		fmt.Printf("%-12d type=%-3d shard=%-3d len=%-5d %s\n",
			hdr.SeqNo, hdr.Type, hdr.Shard, hdr.Len,
			lastTime.Format(time.RFC3339Nano))
	}

	fmt.Printf("%d frames, %s\n", frames, bytefmt.ByteSize(bytes))
	return nil
}
