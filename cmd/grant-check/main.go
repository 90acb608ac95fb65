// grant-check exchanges an embed token for a session grant and prints
// the grant metadata with credentials redacted. Useful for verifying a
// widget deployment without placing a call.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/voicewire/go-widget/internal/config"
	"github.com/voicewire/go-widget/internal/httpc"
	"github.com/voicewire/go-widget/internal/log"
	"github.com/voicewire/go-widget/pkg/grant"
)

func main() {
	backend := flag.String("backend", config.BackendURL(), "widget backend base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	log.Init(config.LogLevel())
	logger := log.L()

	token := config.EmbedToken()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	g, err := grant.NewClient(*backend, httpc.Client, logger).RequestGrant(ctx, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "grant request failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Grant OK")
	fmt.Printf("  server:   %s\n", g.ServerURL)
	fmt.Printf("  room:     %s\n", g.RoomName)
	fmt.Printf("  session:  %s\n", g.SessionID)
	fmt.Printf("  agent:    %s\n", g.AgentName)
	fmt.Printf("  welcome:  %s\n", g.WelcomeMessage)
	fmt.Printf("  token:    %s\n", redact(g.SessionToken))
}

// redact keeps enough of a credential to compare against logs.
func redact(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
