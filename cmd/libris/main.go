package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/renderinc/libris/internal/catalog"
	"github.com/renderinc/libris/internal/config"
	"github.com/renderinc/libris/internal/convert"
	"github.com/renderinc/libris/internal/cover"
	"github.com/renderinc/libris/internal/logging"
	"github.com/renderinc/libris/internal/pathsafe"
	"github.com/renderinc/libris/internal/scan"
	"github.com/renderinc/libris/internal/search"
	"github.com/renderinc/libris/internal/storage"
	"github.com/renderinc/libris/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	dataDir    string
	libraryDir string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "libris",
		Short:        "Catalog, search and serve a personal e-book library",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML config file")
	flags.StringVar(&dataDir, "data-dir", "", "Directory for database and index files (default ./data)")
	flags.StringVar(&libraryDir, "root", "", "Library root holding <author>/<book>/ directories")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newSearchCmd(),
		newReindexCmd(),
		newStatsCmd(),
		newGetBookCmd(),
	)
	return root
}

// loadConfig applies command-line overrides on top of config.Load
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("root") {
		cfg.LibraryRoot = libraryDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// app holds the long-lived handles shared by commands
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *storage.DB
	index   *search.Index
	catalog *catalog.Catalog
}

func openApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	idx, err := search.Open(cfg.IndexPath())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open search index: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		index:   idx,
		catalog: catalog.New(db, idx, cfg.SearchLimit),
	}, nil
}

func (a *app) Close() {
	a.index.Close()
	a.db.Close()
	_ = a.logger.Sync()
}

// libraryApp opens the app and also resolves the library root, for the
// commands that touch the library tree
func libraryApp(cmd *cobra.Command) (*app, *pathsafe.Sanitizer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	paths, err := pathsafe.New(cfg.LibraryRoot)
	if err != nil {
		return nil, nil, err
	}

	a, err := openApp(cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, paths, nil
}

func (a *app) newScanner(paths *pathsafe.Sanitizer) *scan.Scanner {
	// The canonical root keeps stored paths comparable with the sanitizer's
	return scan.New(
		paths.Root(),
		a.catalog,
		&cover.Encoder{MaxBytes: a.cfg.CoverMaxBytes},
		scan.Options{
			MetadataFile: a.cfg.MetadataFile,
			CoverFiles:   a.cfg.CoverFiles,
			SourceExt:    a.cfg.SourceExt,
		},
		a.logger.Named("scan"),
	)
}

func newServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, paths, err := libraryApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("host") {
				a.cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Port = port
			}

			converter := convert.NewService(
				convert.Command{Path: a.cfg.ConverterPath},
				paths,
				convert.Options{
					SourceExt: a.cfg.SourceExt,
					TargetExt: a.cfg.TargetExt,
					Timeout:   a.cfg.ConvertTimeout,
				},
				a.logger.Named("convert"),
			)

			srv := web.NewServer(a.catalog, a.newScanner(paths), converter, paths, web.Options{
				BaseURL:        a.cfg.BaseURL(),
				AllowedOrigins: a.cfg.AllowedOrigins,
				ListLimit:      a.cfg.ListLimit,
			}, a.logger.Named("http"))

			return listenAndServe(cmd.Context(), a, srv.Handler())
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "Host to bind to")
	cmd.Flags().IntVar(&port, "port", 5000, "Port to listen on")
	return cmd
}

func listenAndServe(ctx context.Context, a *app, handler http.Handler) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening",
			zap.String("addr", httpServer.Addr),
			zap.String("library", a.cfg.LibraryRoot),
			zap.String("base_url", a.cfg.BaseURL()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Walk the library and add every book to the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, paths, err := libraryApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			stats, err := a.newScanner(paths).Scan(ctx)
			if err != nil && stats == nil {
				return err
			}

			// Print summary
			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			fmt.Fprintln(out, "=== Scan Complete ===")
			fmt.Fprintf(out, "Authors:         %d\n", stats.Authors)
			fmt.Fprintf(out, "Book dirs:       %d\n", stats.Books)
			fmt.Fprintf(out, "Indexed:         %d\n", stats.Indexed)
			fmt.Fprintf(out, "Skipped:         %d\n", stats.Skipped)
			fmt.Fprintf(out, "Extract errors:  %d\n", stats.ExtractErrors)
			fmt.Fprintf(out, "Storage errors:  %d\n", stats.StorageErrors)
			fmt.Fprintf(out, "Duration:        %v\n", stats.Duration)
			return err
		},
	}
}

func newSearchCmd() *cobra.Command {
	var byAuthor bool
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search titles (or authors with --author)",
		Example: `  libris search broken cycle
  libris search '"broken cycle"'
  libris search --author chand*`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if limit > 0 {
				cfg.SearchLimit = limit
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			query := strings.Join(args, " ")
			var books []*storage.Book
			if byAuthor {
				books, err = a.catalog.SearchByAuthor(query)
			} else {
				books, err = a.catalog.SearchByTitle(query)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(books) == 0 {
				fmt.Fprintln(out, "No results found")
				return nil
			}

			fmt.Fprintf(out, "\nFound %d results:\n\n", len(books))
			for i, b := range books {
				fmt.Fprintf(out, "%d. %s\n", i+1, b.Title)
				fmt.Fprintf(out, "   Authors: %s\n", b.Authors)
				fmt.Fprintf(out, "   Genre:   %s\n", b.Genre)
				if b.SourcePath != nil {
					fmt.Fprintf(out, "   Source:  %s\n", *b.SourcePath)
				}
				fmt.Fprintf(out, "   ID:      %d\n\n", b.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&byAuthor, "author", false, "Match authors instead of titles")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results (default from config)")
	return cmd
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the full-text index from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			start := time.Now()
			err = a.catalog.Reindex(func(current, total int) {
				fmt.Fprintf(out, "\rIndexed %d/%d books", current, total)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nReindex complete in %v\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show catalog statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.catalog.Stats()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=== Catalog Statistics ===")
			fmt.Fprintf(out, "Books in database: %d\n", stats.Books)
			fmt.Fprintf(out, "Books in index:    %d\n", stats.Indexed)
			return nil
		},
	}
}

func newGetBookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-book <id>",
		Short: "Print one catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("book id must be an integer: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			book, err := a.catalog.Get(id)
			if err != nil {
				return err
			}
			if book == nil {
				return fmt.Errorf("book not found: %d", id)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Title:    %s\n", book.Title)
			fmt.Fprintf(out, "Authors:  %s\n", book.Authors)
			fmt.Fprintf(out, "Genre:    %s\n", book.Genre)
			fmt.Fprintf(out, "Dir:      %s\n", book.BookDir)
			if book.SourcePath != nil {
				fmt.Fprintf(out, "Source:   %s\n", *book.SourcePath)
			}
			if book.CoverPath != nil {
				fmt.Fprintf(out, "Cover:    %s\n", *book.CoverPath)
			}
			fmt.Fprintf(out, "Scanned:  %s\n", book.ScannedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "\n%s\n", book.Summary)
			return nil
		},
	}
}
