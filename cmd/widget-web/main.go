// widget-web hosts the local harness around one widget call: a state
// endpoint, a websocket state stream, and a websocket control channel
// for a browser UI.
package main

import (
	"flag"

	"github.com/voicewire/go-widget/internal/config"
	"github.com/voicewire/go-widget/internal/httpc"
	"github.com/voicewire/go-widget/internal/log"
	"github.com/voicewire/go-widget/pkg/call"
	"github.com/voicewire/go-widget/pkg/grant"
	"github.com/voicewire/go-widget/pkg/web"
)

func main() {
	backend := flag.String("backend", config.BackendURL(), "widget backend base URL")
	port := flag.String("port", config.WebPort(), "harness listen port")
	debug := flag.Bool("debug", false, "enable verbose debug logging")
	flag.Parse()

	level := config.LogLevel()
	if *debug {
		level = "debug"
	}
	log.Init(level)
	logger := log.L()

	token := config.EmbedToken()

	c := call.New(call.Config{
		Grants:     grant.NewClient(*backend, httpc.Client, logger),
		EmbedToken: token,
		Logger:     logger,
	})

	srv := web.NewServer(*port, c, logger)
	if err := srv.Start(); err != nil {
		logger.Error("server failed", "error", err)
	}
	c.End()
}
