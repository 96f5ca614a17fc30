package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/playtrace/pkg/event"
	"github.com/ormasoftchile/playtrace/pkg/framer"
)

var (
	emitSocket string
	emitKind   string
	emitData   string
	emitDelay  time.Duration
)

var emitCmd = &cobra.Command{
	Use:   "emit [recording.jsonl | -]",
	Short: "Send events to a running playtrace channel",
	Long: `Emit is a stand-in producer for testing. It sends either a single event
(--kind, --data) or every record of a recording to the channel socket. The
socket defaults to the value of the configured socket variable, so emit
works from inside a supervised run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEmit,
}

func runEmit(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	socket := emitSocket
	if socket == "" {
		socket = os.Getenv(cfg.Emitter.SocketEnv)
	}
	if socket == "" {
		return fmt.Errorf("no socket: pass --socket or set %s", cfg.Emitter.SocketEnv)
	}
	if emitKind == "" && len(args) == 0 {
		return fmt.Errorf("nothing to emit: pass --kind or a recording")
	}

	w, err := event.Dial(socket)
	if err != nil {
		return err
	}
	defer w.Close()

	if emitKind != "" {
		kind, ok := event.ParseKind(emitKind)
		if !ok {
			return fmt.Errorf("unknown event kind %q", emitKind)
		}
		data := map[string]any{}
		if emitData != "" {
			if err := json.Unmarshal([]byte(emitData), &data); err != nil {
				return fmt.Errorf("parse --data: %w", err)
			}
		}
		return w.Emit(kind, data)
	}

	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open recording: %w", err)
		}
		defer f.Close()
		r = f
	}

	maxRecord := cfg.Channel.MaxRecordBytes
	if maxRecord <= 0 {
		maxRecord = framer.DefaultMaxRecord
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecord)
	line, sent := 0, 0
	for scanner.Scan() {
		line++
		record := bytes.TrimSpace(scanner.Bytes())
		if len(record) == 0 {
			continue
		}
		ev, err := event.Decode(record)
		if err != nil {
			logger.Warn("skipping record", "line", line, "error", err)
			continue
		}
		if err := w.Write(ev); err != nil {
			return err
		}
		sent++
		if emitDelay > 0 {
			time.Sleep(emitDelay)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read recording: %w", err)
	}
	logger.Info("emitted events", "count", sent, "socket", socket)
	return nil
}

func init() {
	emitCmd.Flags().StringVar(&emitSocket, "socket", "", "Channel socket path (default: from the socket environment variable)")
	emitCmd.Flags().StringVar(&emitKind, "kind", "", "Emit a single event of this kind")
	emitCmd.Flags().StringVar(&emitData, "data", "", "JSON object payload for --kind")
	emitCmd.Flags().DurationVar(&emitDelay, "delay", 0, "Pause between records of a recording")
}
