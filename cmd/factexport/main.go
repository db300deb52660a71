package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/export"
	"github.com/hanwen-zhu/filingfacts/internal/store"
)

func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		out  = flag.String("out", "facts.xlsx", "output XLSX file path")
		docs = flag.String("docs", "", "comma-separated document ids (default: all)")
	)
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	ctx := context.Background()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	var docIDs []string
	if *docs != "" {
		for _, id := range strings.Split(*docs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				docIDs = append(docIDs, id)
			}
		}
	}

	svc := export.NewService(st, logger)
	data, err := svc.ExportFactsXLSX(ctx, docIDs)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		printError("Error: write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%d bytes)\n", *out, len(data))
}
