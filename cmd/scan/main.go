// Command scan recognizes text in one or more images and prints it.
//
//	scan [-provider p] [-lang l] [-document] [-save] <image>...
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/scanocr-worker/internal/config"
	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
	"github.com/adverant/nexus/scanocr-worker/internal/processor"
	"github.com/adverant/nexus/scanocr-worker/internal/storage"
)

type options struct {
	provider ocr.ProviderID
	language string
	document *bool
	save     bool
	timeout  time.Duration
	images   []string
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)

	provider := fs.String("provider", "", "provider: auto, bounded, vision or tesseract")
	language := fs.String("lang", "", "language hint, e.g. eng or auto")
	document := fs.Bool("document", false, "treat the images as documents")
	save := fs.Bool("save", false, "persist results to the result store")
	timeout := fs.Duration("timeout", 0, "per provider call timeout")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: scan [-provider p] [-lang l] [-document] [-save] <image>...")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, fmt.Errorf("at least one image is required")
	}

	id, ok := ocr.ParseProviderID(*provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", *provider)
	}

	opts := &options{
		provider: id,
		language: *language,
		save:     *save,
		timeout:  *timeout,
		images:   fs.Args(),
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "document" {
			hint := *document
			opts.document = &hint
		}
	})
	return opts, nil
}

func (o *options) requests() []ocr.RecognitionRequest {
	reqs := make([]ocr.RecognitionRequest, len(o.images))
	for i, path := range o.images {
		reqs[i] = ocr.RecognitionRequest{
			ImageRef:     path,
			Language:     o.language,
			Provider:     o.provider,
			DocumentHint: o.document,
			Timeout:      o.timeout,
		}
	}
	return reqs
}

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintln(stderr, "scan:", err)
		}
		return 2
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(stderr, "scan:", err)
		return 1
	}
	// stdout carries only recognized text
	logging.Configure("warn", cfg.AppEnv, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc, err := processor.NewFromConfig(cfg, nil)
	if err != nil {
		fmt.Fprintln(stderr, "scan:", err)
		return 1
	}

	var saver resultSaver
	if opts.save {
		store, err := storage.Open(ctx, cfg.StoreDriver, cfg.SQLitePath, cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintln(stderr, "scan:", err)
			return 1
		}
		results, err := storage.NewManager(store, cfg.ArtifactDir, cfg.TempDir, logging.NewLogger("StorageManager"))
		if err != nil {
			store.Close()
			fmt.Fprintln(stderr, "scan:", err)
			return 1
		}
		defer results.Close()
		saver = results
	}

	return recognizeAll(ctx, proc, saver, opts, stdout, stderr)
}

// resultSaver is satisfied by *storage.Manager
type resultSaver interface {
	Save(ctx context.Context, result *ocr.RecognitionResult) (*ocr.RecognitionResult, error)
}

func recognizeAll(ctx context.Context, rec processor.Recognizer, results resultSaver, opts *options, stdout, stderr io.Writer) int {
	reqs := opts.requests()

	var items []processor.BatchItem
	if len(reqs) == 1 {
		result, err := rec.Recognize(ctx, reqs[0])
		items = []processor.BatchItem{{Result: result, Err: err}}
	} else {
		items = rec.RecognizeBatch(ctx, reqs)
	}

	status := 0
	for i, item := range items {
		if len(items) > 1 {
			fmt.Fprintf(stdout, "==> %s <==\n", opts.images[i])
		}
		if item.Err != nil {
			fmt.Fprintf(stderr, "scan: %s: %s (%s)\n", opts.images[i], item.Err, errors.CodeOf(item.Err))
			status = 1
			continue
		}

		fmt.Fprintln(stdout, item.Result.RecognizedText)

		if results != nil {
			if _, err := results.Save(ctx, item.Result); err != nil {
				fmt.Fprintf(stderr, "scan: save %s: %v\n", opts.images[i], err)
				status = 1
			}
		}
	}
	return status
}
