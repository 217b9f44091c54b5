package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/diagnet/doipmux/internal/capture"
	"github.com/diagnet/doipmux/pkg/bytesize"
)

func newCaptureCmd() *cobra.Command {
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Inspect frame captures",
	}

	var (
		session string
		limit   int
	)
	dumpCmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print the records of a capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpCapture(cmd.OutOrStdout(), args[0], session, limit)
		},
	}
	dumpCmd.Flags().StringVarP(&session, "session", "s", "", "only print records of this session id")
	dumpCmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many records (0 = all)")

	captureCmd.AddCommand(dumpCmd)
	return captureCmd
}

func dumpCapture(out io.Writer, path, session string, limit int) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	r, err := capture.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	var printed, total int
	var payloadBytes int64
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", total+1, err)
		}
		total++
		payloadBytes += int64(len(rec.Payload))

		if session != "" && rec.SessionID.String() != session {
			continue
		}
		if limit > 0 && printed >= limit {
			continue
		}
		printed++
		_, _ = fmt.Fprintf(out, "%s %s h%d %s %s % x\n",
			rec.Time.UTC().Format(time.RFC3339Nano), rec.Direction, rec.Handle, rec.Key,
			rec.SessionID.String()[:8], rec.Payload)
	}

	_, _ = fmt.Fprintf(out, "%d records, %s payload, %s on disk\n",
		total, bytesize.Format(payloadBytes), bytesize.Format(info.Size()))
	return nil
}
