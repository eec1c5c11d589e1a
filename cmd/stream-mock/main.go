package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/andrey-viktorov/stream-mock/pkg/config"
	"github.com/andrey-viktorov/stream-mock/pkg/logging"
	"github.com/andrey-viktorov/stream-mock/pkg/server"
	"github.com/andrey-viktorov/stream-mock/pkg/storage"
)

func main() {
	// Define CLI flags
	configPath := flag.String("config", "", "YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "Environment file loaded before reading HOST/PORT (ignored when missing)")
	host := flag.String("host", "", "Host to bind the server to (overrides HOST)")
	port := flag.Int("port", 0, "Port to bind the server to (overrides PORT)")
	repliesFile := flag.String("replies", "", "YAML file describing scripted WebSocket replies")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags win over file and environment
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *repliesFile != "" {
		cfg.WebSocket.RepliesFile = *repliesFile
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	var replies *storage.ReplyStore
	if cfg.WebSocket.RepliesFile != "" {
		replies, err = storage.LoadReplyConfig(cfg.WebSocket.RepliesFile)
		if err != nil {
			log.Fatalf("Failed to load replies: %v", err)
		}
	}

	srv := server.New(cfg, replies, logger)

	ln, err := srv.Listen()
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	printBanner(cfg, replies)

	if err := srv.Run(context.Background(), ln); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("👋 Server closed")
	os.Exit(0)
}

func printBanner(cfg *config.Config, replies *storage.ReplyStore) {
	port := cfg.Server.Port

	fmt.Println("============================================")
	fmt.Println("🚀 Mock SSE & WebSocket Service")
	fmt.Println("============================================")
	fmt.Printf("🌐 HTTP: http://%s\n", cfg.Address())
	fmt.Printf("💓 Heartbeats: SSE every %s, WebSocket every %s\n", cfg.SSE.HeartbeatInterval, cfg.WebSocket.HeartbeatInterval)
	if replies.Len() > 0 {
		fmt.Printf("🧩 Scripted replies: %d (%v)\n", replies.Len(), replies.Names())
	}
	fmt.Println()
	fmt.Println("Available endpoints:")
	fmt.Printf("  Health check:    http://localhost:%d/health\n", port)
	fmt.Printf("  SSE test:        http://localhost:%d/any/path\n", port)
	fmt.Printf("  WebSocket test:  http://localhost:%d/ws-test\n", port)
	fmt.Printf("  WebSocket API:   ws://localhost:%d%s\n", port, cfg.WebSocket.Path)
	fmt.Println()
	fmt.Println("Test commands:")
	fmt.Printf("  curl http://localhost:%d/health\n", port)
	fmt.Printf("  curl -N http://localhost:%d/sse/test\n", port)
	fmt.Printf("  Open http://localhost:%d/ws-test in a browser\n", port)
	fmt.Println("\nPress Ctrl+C to stop")
}
