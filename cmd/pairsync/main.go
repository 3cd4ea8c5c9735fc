package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iudanet/pairsync/internal/cli"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	dbPath := flag.String("db", "pairsync.db", "Path to change log database")
	trustPath := flag.String("trust", "pairsync-trust.db", "Path to trust store")
	name := flag.String("name", defaultName(), "Display name of this installation")
	listenAddr := flag.String("listen", ":9437", "Listen address")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		cli.PrintUsage()
		os.Exit(1)
	}
	command := args[0]

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Демон и pair-issue живут до сигнала остановки
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := cli.Bootstrap(ctx, cli.Config{
		DBPath:      *dbPath,
		TrustPath:   *trustPath,
		DisplayName: *name,
		ListenAddr:  *listenAddr,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := run(ctx, app, command, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, app *cli.App, command string, args []string) error {
	switch command {
	case "serve":
		return app.RunServe(ctx)
	case "pair-issue":
		return app.RunPairIssue(ctx)
	case "pair-join":
		return app.RunPairJoin(ctx, args)
	case "sync":
		return app.RunSync(ctx, args)
	case "status":
		return app.RunStatus(ctx)
	case "peers":
		return app.RunPeers(ctx)
	case "discover":
		return app.RunDiscover(ctx)
	case "unpair":
		return app.RunUnpair(ctx, args)
	case "add":
		return app.RunAdd(ctx)
	case "list":
		return app.RunList(ctx)
	case "get":
		return app.RunGet(ctx, args)
	case "delete":
		return app.RunDelete(ctx, args)
	case "export":
		return app.RunExport(ctx, args)
	case "import":
		return app.RunImport(ctx, args)
	default:
		cli.PrintUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

func defaultName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "pairsync-device"
	}
	return hostname
}

func printVersion() {
	fmt.Printf("pairsync\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
