package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rmax-ai/pulse/pkg/client"
)

func main() {
	var (
		apiURL string
		runID  string
		poll   time.Duration
	)
	flag.StringVar(&apiURL, "api", envOrDefault("PULSE_API", "http://127.0.0.1:8090"), "Base URL of pulse-d API")
	flag.StringVar(&runID, "run", "", "follow this run id (default: newest run)")
	flag.DurationVar(&poll, "poll", time.Second, "poll interval")
	flag.Parse()

	c := client.NewClient(apiURL)
	p := tea.NewProgram(initialModel(c, runID, poll), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
