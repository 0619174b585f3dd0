package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"stream-keeper/internal/platform/httpx"
	"stream-keeper/internal/stream"
)

func newProbeCmd() *cobra.Command {
	var (
		native   bool
		timeout  time.Duration
		manifest string
	)
	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Detect the codec of a stream and the backend that would play it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := stream.ManifestURL(args[0], manifest)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			log := slog.New(slog.NewTextHandler(io.Discard, nil))
			codec := stream.NewHTTPProber(httpx.NewClient(timeout), log).Probe(ctx, url)
			backend := stream.Select(codec, stream.Capabilities{NativeHLS: native, SoftwareHLS: true})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "manifest: %s\n", url)
			fmt.Fprintf(out, "codec:    %s\n", codec)
			fmt.Fprintf(out, "backend:  %s\n", backend)
			return nil
		},
	}
	cmd.Flags().BoolVar(&native, "native", false, "assume the surface plays HLS natively")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	cmd.Flags().StringVar(&manifest, "manifest", stream.DefaultConfig().ManifestName, "manifest name appended to bare stream paths")
	return cmd
}
