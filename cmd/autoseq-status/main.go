// cmd/autoseq-status/main.go
//
// Read-only operator console for the autoseq state store.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/seqops/autoseq/internal/config"
	"github.com/seqops/autoseq/internal/state"
	"github.com/seqops/autoseq/internal/tui"
)

func main() {
	configPath := flag.String("config", "", "path to the autoseq config file")
	flag.Parse()

	if *configPath == "" {
		die("--config is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		die("load config: %v", err)
	}
	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		die("open state store: %v", err)
	}

	p := tea.NewProgram(tui.NewApp(store, cfg.Graph()), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		die("run console: %v", err)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "autoseq-status: "+format+"\n", args...)
	os.Exit(1)
}
