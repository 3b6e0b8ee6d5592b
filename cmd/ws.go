package cmd

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ftl/cvep/bci"
	"github.com/ftl/cvep/source"
)

var wsFlags = struct {
	url string
}{}

var wsCmd = &cobra.Command{
	Use:   "ws",
	Short: "decode an EEG stream that is delivered as JSON batches over a websocket",
	Run:   runWithCtx(runWebsocket),
}

func init() {
	rootCmd.AddCommand(wsCmd)

	wsCmd.Flags().StringVar(&wsFlags.url, "url", "ws://localhost:8765", "the websocket URL of the stream server")
}

func runWebsocket(ctx context.Context, engine *bci.Engine, cmd *cobra.Command, args []string) {
	client, err := source.OpenWebsocket(wsFlags.url, engine, engine.Config().Stream)
	if err != nil {
		log.Fatal("cannot open websocket", "error", err)
	}

	controlServer := startControlServer(engine, nil)
	if controlServer != nil {
		defer controlServer.Stop()
	}

	select {
	case <-ctx.Done():
	case <-client.Done():
		log.Warn("websocket connection lost")
	}
	client.Close()
}
