package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantarax/modeldl"
	"github.com/quantarax/modeldl/internal/observability"
)

func main() {
	shutdownTracing, err := observability.InitTracing(context.Background(), "modeldl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: tracing init failed: %v\n", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "download":
		cmdDownload(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "cancel":
		cmdCancel(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "gc":
		cmdGC(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: modeldl <download|status|cancel|list|gc> [options]")
}

func cmdDownload(args []string) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	accessKey := fs.String("access-key", os.Getenv("MODELDL_ACCESS_KEY"), "coordination service access key")
	secretKey := fs.String("secret-key", os.Getenv("MODELDL_SECRET_KEY"), "coordination service secret key")
	baseURL := fs.String("coordination-url", os.Getenv("MODELDL_COORDINATION_URL"), "coordination service base URL")
	storageRoot := fs.String("storage-root", os.Getenv("MODELDL_STORAGE_ROOT"), "storage directory (default: platform documents dir)")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: modeldl download [options] <model_id>")
		fs.PrintDefaults()
		os.Exit(1)
	}
	modelID := fs.Arg(0)

	if *storageRoot != "" {
		modeldl.SetStorageRoot(*storageRoot)
	}
	if *baseURL != "" {
		modeldl.SetCoordinationBaseURL(*baseURL)
	}
	modeldl.Init(*accessKey, *secretKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	onProgress := func(p modeldl.DetailedProgress) {
		if *quiet {
			return
		}
		fmt.Fprintf(os.Stderr, "\r[%s] %5.1f%%  %d/%d chunks  %.1f KB/s",
			p.Phase, p.Percentage, p.CurrentChunk, p.TotalChunks, p.BytesPerSecond/1024)
	}

	artifactPath, metadataPath, err := modeldl.Download(ctx, modeldl.ModelId(modelID), onProgress)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: download failed: %v\n", err)
		os.Exit(exitCodeFor(err))
	}

	fmt.Printf("artifact: %s\n", artifactPath)
	fmt.Printf("metadata: %s\n", metadataPath)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: modeldl status <model_id>")
		os.Exit(1)
	}

	st := modeldl.Status(modeldl.ModelId(fs.Arg(0)))
	b, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(b))
}

func cmdCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: modeldl cancel <model_id>")
		os.Exit(1)
	}
	modeldl.Cancel(modeldl.ModelId(fs.Arg(0)))
	fmt.Printf("cancelled: %s\n", fs.Arg(0))
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	artifacts, err := modeldl.ListArtifacts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listing catalog: %v\n", err)
		os.Exit(2)
	}
	b, _ := json.MarshalIndent(artifacts, "", "  ")
	fmt.Println(string(b))
}

func cmdGC(args []string) {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	fs.Parse(args)

	pruned, err := modeldl.GC()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: running GC: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("pruned %d ledger entries\n", pruned)

	stats, err := modeldl.CatalogStatsSnapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: computing catalog stats: %v\n", err)
		os.Exit(2)
	}
	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
}

// exitCodeFor maps error classes onto distinct process exit codes so
// calling scripts can branch on failure kind without parsing text.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *modeldl.ErrCancelled:
		return 10
	case *modeldl.InsufficientDiskSpaceError:
		return 11
	case *modeldl.WholeHashMismatchError, *modeldl.ChunkCorruptedError, *modeldl.HashMismatchError:
		return 12
	case *modeldl.PostProcessFailedError:
		return 13
	case *modeldl.NetworkError, *modeldl.ServerStatusError:
		return 14
	default:
		return 2
	}
}
