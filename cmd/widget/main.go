// widget is a terminal client for a voice agent call: it starts a
// call, prints the live transcript, and forwards typed lines as chat
// input. Ctrl-C or the agent hanging up ends the call.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/voicewire/go-widget/internal/config"
	"github.com/voicewire/go-widget/internal/httpc"
	"github.com/voicewire/go-widget/internal/log"
	"github.com/voicewire/go-widget/pkg/call"
	"github.com/voicewire/go-widget/pkg/grant"
)

func main() {
	backend := flag.String("backend", config.BackendURL(), "widget backend base URL")
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

	ended := make(chan struct{})
	var (
		mu       sync.Mutex
		printed  int
		speaking bool
		warned   bool
		done     bool
	)
	c.OnUpdate(func(snap call.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if printed > len(snap.Entries) {
			printed = 0
		}
		for _, e := range snap.Entries[printed:] {
			fmt.Printf("[%s] %s\n", e.Role, e.Text)
		}
		printed = len(snap.Entries)
		if snap.AgentSpeaking != speaking {
			speaking = snap.AgentSpeaking
			if speaking {
				fmt.Println("🔊 agent speaking...")
			}
		}
		if snap.Warning != "" && !warned {
			warned = true
			fmt.Fprintln(os.Stderr, snap.Warning)
		}
		if snap.Phase == call.PhaseEnded && !done {
			done = true
			close(ended)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	snap := c.Snapshot()
	fmt.Printf("%s: %s\n", snap.AgentName, snap.WelcomeMessage)

	if err := c.Start(ctx); err != nil {
		logger.Error("call failed to start", "error", err)
		os.Exit(1)
	}
	fmt.Println("Call active. Type a message and press enter; Ctrl-C to hang up.")

	go readInput(c)

	select {
	case <-ctx.Done():
		c.End()
	case <-ended:
	}
	fmt.Println("Call ended.")
}

// readInput forwards stdin lines as chat input until EOF.
func readInput(c *call.Call) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := c.SendText(scanner.Text()); err != nil {
			return
		}
	}
}
