package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deepresearch/frontier/internal/config"
	"github.com/deepresearch/frontier/internal/frontier"
	"github.com/deepresearch/frontier/internal/metrics"
	"github.com/deepresearch/frontier/internal/relevance"
	"github.com/deepresearch/frontier/internal/server"
	"github.com/deepresearch/frontier/internal/storage"
)

var version = "0.1.0"

func main() {
	var configPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "frontier",
		Short: "Research crawl frontier with link-relevance scoring",
		Long: `Frontier crawls the web outward from a seed URL for a research topic.
Discovered links are scored for relevance before they are admitted to the
crawl frontier, so the budget goes to pages worth reading. Scoring uses an
LLM classifier when one is configured and a deterministic URL heuristic
otherwise.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				level = logrus.InfoLevel
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{
				FullTimestamp: true,
			})
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config JSON (defaults used when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(crawlCmd(&configPath))
	rootCmd.AddCommand(serveCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func crawlCmd(configPath *string) *cobra.Command {
	var topic string
	var depth int
	var maxPages int
	var summarize bool
	var forceRefresh bool
	var outputPath string

	cmd := &cobra.Command{
		Use:   "crawl [seed-url]",
		Short: "Run a single research crawl from a seed URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if depth > 0 {
				cfg.MaxDepth = depth
			}
			if maxPages > 0 {
				cfg.MaxPages = maxPages
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			logrus.Infof("Frontier v%s starting: seed=%s depth=%d maxPages=%d",
				version, args[0], cfg.MaxDepth, cfg.MaxPages)

			store, err := storage.NewStorage(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			defer store.Close()

			tracker := metrics.NewTracker()

			engine := frontier.NewEngine(frontier.Options{
				Topic:          topic,
				MaxDepth:       cfg.MaxDepth,
				MaxPages:       cfg.MaxPages,
				Threshold:      cfg.RelevanceThreshold,
				BatchSize:      cfg.BatchSize,
				Workers:        cfg.ConcurrentWorkers,
				CrawlDelay:     time.Duration(cfg.CrawlDelayMs) * time.Millisecond,
				RequestTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
				MaxRetries:     cfg.MaxRetries,
				RetryBackoff:   time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
				ForceRefresh:   forceRefresh,
				Summarize:      summarize,
				UserAgent:      cfg.UserAgent,
			})
			engine.SetStores(store, store, store)
			engine.SetTracker(tracker)

			if cfg.ClassifierEndpoint != "" {
				classifier := relevance.NewHTTPClassifier(cfg.ClassifierEndpoint,
					cfg.ClassifierTemp, time.Duration(cfg.RequestTimeoutMs)*time.Millisecond)
				engine.SetClassifier(classifier)
				engine.SetSummarizer(classifier)
			}

			if err := engine.Seed(args[0]); err != nil {
				return err
			}

			// Cancel the run on SIGINT/SIGTERM. Unfinished URLs stay
			// Pending in the database so the run can resume.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			progressDone := make(chan struct{})
			go func() {
				ticker := time.NewTicker(10 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						logrus.Info(tracker.LogProgress())
					case <-progressDone:
						return
					}
				}
			}()

			result, runErr := engine.Run(ctx)
			close(progressDone)

			reason := "completed"
			if runErr != nil {
				reason = "cancelled"
			}
			logrus.Info("Final stats: " + tracker.LogProgress())
			if err := tracker.WriteToFile(cfg.MetricsPath, reason); err != nil {
				logrus.Errorf("Failed to write metrics: %v", err)
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			if outputPath != "" {
				if err := os.WriteFile(outputPath, out, 0644); err != nil {
					return fmt.Errorf("failed to write result: %w", err)
				}
				logrus.Infof("Result written to %s", outputPath)
			} else {
				fmt.Println(string(out))
			}

			return runErr
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "research topic used for relevance scoring")
	cmd.Flags().IntVar(&depth, "depth", 0, "max link depth from the seed (1-5)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page budget for the run")
	cmd.Flags().BoolVar(&summarize, "summarize", false, "generate a run summary (requires classifier endpoint)")
	cmd.Flags().BoolVar(&forceRefresh, "force-refresh", false, "bypass cached content and re-fetch")
	cmd.Flags().StringVar(&outputPath, "output", "", "write the result JSON to a file instead of stdout")

	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the research API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}

			store, err := storage.NewStorage(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			defer store.Close()

			var classifier relevance.Classifier
			var summarizer relevance.Summarizer
			if cfg.ClassifierEndpoint != "" {
				c := relevance.NewHTTPClassifier(cfg.ClassifierEndpoint,
					cfg.ClassifierTemp, time.Duration(cfg.RequestTimeoutMs)*time.Millisecond)
				classifier = c
				summarizer = c
				logrus.Infof("Classifier endpoint: %s", cfg.ClassifierEndpoint)
			} else {
				logrus.Info("No classifier endpoint configured, using heuristic scoring")
			}

			srv := server.NewServer(cfg, store, classifier, summarizer)

			logrus.Infof("Frontier v%s serving on %s", version, cfg.ListenAddr)
			return srv.Start(cfg.ListenAddr)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")

	return cmd
}
