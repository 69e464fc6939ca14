package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bilusteknoloji/pipdep/internal/api"
	"github.com/bilusteknoloji/pipdep/internal/cache"
	"github.com/bilusteknoloji/pipdep/internal/metadata"
	"github.com/bilusteknoloji/pipdep/internal/pypi"
	"github.com/bilusteknoloji/pipdep/internal/request"
	"github.com/bilusteknoloji/pipdep/internal/setup"
)

var version = "0.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:           "pipdep",
		Short:         "A dependency resolution service for the Python package index",
		Long:          "pipdep resolves a set of Python package requirements into an installable plan, backed by a local mirror of PyPI's release metadata.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose logging")
	rootCmd.PersistentFlags().String("db", defaultDBPath(), "Path to the metadata database (env PIPDEP_DB_PATH)")

	rootCmd.AddCommand(newSetupCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newResolveCmd())

	return rootCmd.Execute()
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func defaultDBPath() string {
	if path := os.Getenv("PIPDEP_DB_PATH"); path != "" {
		return path
	}

	dir, err := os.UserCacheDir()
	if err != nil {
		return "pypi-data.sqlite"
	}

	return filepath.Join(dir, "pipdep", "pypi-data.sqlite")
}

func defaultAddr() string {
	if addr := os.Getenv("PIPDEP_ADDR"); addr != "" {
		return addr
	}

	return ":8080"
}

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and prepare the local metadata database",
		RunE:  runSetup,
	}

	cmd.Flags().String("url", setup.DefaultDumpURL, "URL of the metadata dump to fetch")

	return cmd
}

func runSetup(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	dbPath, _ := cmd.Flags().GetString("db")
	dumpURL, _ := cmd.Flags().GetString("url")

	logger := newLogger(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	blobCache, err := cache.New(cache.WithLogger(logger))
	if err != nil {
		logger.Debug("cache unavailable, continuing without cache", slog.String("error", err.Error()))
	}

	mgrOpts := []setup.Option{setup.WithLogger(logger)}
	if blobCache != nil {
		mgrOpts = append(mgrOpts, setup.WithCache(blobCache))
	}

	mgr := setup.New(mgrOpts...)

	fmt.Printf("Preparing metadata database at %s...\n", dbPath)

	if err := mgr.Ensure(ctx, dbPath, dumpURL); err != nil {
		return fmt.Errorf("preparing metadata database: %w", err)
	}

	fmt.Println("Done.")

	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the resolution HTTP service",
		RunE:  runServe,
	}

	cmd.Flags().String("addr", defaultAddr(), "Address to listen on (env PIPDEP_ADDR)")
	cmd.Flags().Bool("live", false, "Resolve against the live PyPI JSON API instead of the local database")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	dbPath, _ := cmd.Flags().GetString("db")
	addr, _ := cmd.Flags().GetString("addr")
	live, _ := cmd.Flags().GetBool("live")

	logger := newLogger(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, closeStore, err := openStore(dbPath, live, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := api.New(store, api.WithLogger(logger))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("resolution service listening", slog.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serving: %w", err)
		}

		return nil
	case <-ctx.Done():
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	}
}

func openStore(dbPath string, live bool, logger *slog.Logger) (metadata.Store, func(), error) {
	if live {
		client := pypi.New(pypi.WithLogger(logger))

		return metadata.NewPyPIStore(client), func() {}, nil
	}

	store, err := metadata.OpenSQLiteStore(dbPath, metadata.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("opening metadata database %s: %w", dbPath, err)
	}

	return store, func() { _ = store.Close() }, nil
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [packages...]",
		Short: "Resolve a set of requirements and print the install plan",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runResolve,
	}

	cmd.Flags().String("python", "", "Target Python version, e.g. 3.11")
	cmd.Flags().Int("max-versions", 0, "Cap the number of candidate versions considered per package (0: unbounded)")
	cmd.Flags().Bool("live", false, "Resolve against the live PyPI JSON API instead of the local database")

	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	dbPath, _ := cmd.Flags().GetString("db")
	pythonVer, _ := cmd.Flags().GetString("python")
	maxVersions, _ := cmd.Flags().GetInt("max-versions")
	live, _ := cmd.Flags().GetBool("live")

	logger := newLogger(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, closeStore, err := openStore(dbPath, live, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	req := request.Request{Wants: args}

	if pythonVer != "" {
		req.Python = &pythonVer
	}

	if maxVersions > 0 {
		req.MaxVersions = &maxVersions
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	srv := api.New(store, api.WithLogger(logger))
	rec := httptest.NewRecorder()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/resolve", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	srv.Routes().ServeHTTP(rec, httpReq)

	var pretty map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &pretty); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}

	fmt.Println(string(out))

	return nil
}
