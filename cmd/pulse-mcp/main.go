package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rmax-ai/pulse/pkg/mcp"
)

func main() {
	apiURL := flag.String("api", envOrDefault("PULSE_API", "http://127.0.0.1:8090"), "Base URL of pulse-d API")
	flag.Parse()

	// stdout carries the protocol; diagnostics go to stderr.
	if err := mcp.NewServer(*apiURL).Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "pulse-mcp: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
