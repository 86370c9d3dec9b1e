package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"lanhub/internal/config"
	"lanhub/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, cfg *config.Config) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("lanhub %s\n", Version)
		return true
	case "status":
		return cliStatus(cfg)
	case "files":
		return cliFiles(cfg)
	case "backup":
		return cliBackup(args[1:], cfg)
	case "testbot":
		return cliTestbot(args[1:], cfg)
	default:
		return false
	}
}

func openStore(path string) *store.Store {
	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(cfg *config.Config) bool {
	st := openStore(cfg.Store.Path)
	defer st.Close()

	messages, files, err := st.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", cfg.Store.Path)
	fmt.Printf("Messages: %d\n", messages)
	fmt.Printf("Files:    %d\n", files)
	fmt.Printf("Version:  %s\n", Version)
	return true
}

func cliFiles(cfg *config.Config) bool {
	st := openStore(cfg.Store.Path)
	defer st.Close()

	rows, err := st.Files(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No shared files.")
		return true
	}
	for _, row := range rows {
		fmt.Printf("  [%s] %s  %d bytes  from %s  %s\n",
			row.Fid, row.Filename, row.SizeBytes, row.Uploader,
			row.CreatedAt.Format("2006-01-02 15:04"))
	}
	return true
}

func cliBackup(args []string, cfg *config.Config) bool {
	st := openStore(cfg.Store.Path)
	defer st.Close()

	outPath := "lanhub-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}
	if err := st.Backup(context.Background(), outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

func cliTestbot(args []string, cfg *config.Config) bool {
	addr := cfg.Server.ControlAddr
	if len(args) > 0 {
		addr = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := RunTestBot(ctx, addr, "testbot", 15*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "testbot: %v\n", err)
		os.Exit(1)
	}
	return true
}
