package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/zvol/pkg/config"
	"github.com/cuemby/zvol/pkg/events"
	"github.com/cuemby/zvol/pkg/log"
	"github.com/cuemby/zvol/pkg/storage"
	"github.com/cuemby/zvol/pkg/zvol"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zvol",
	Short: "zvol - transactional block volumes",
	Long: `zvol exposes block volumes backed by a transactional copy-on-write
pool. Writes are grouped into transaction groups and mirrored into a
per-volume intent log so synchronous writes survive a crash.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"zvol version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "/etc/zvol/zvol.yaml", "Configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Pool data directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// engine is a pool with its volume registry, opened for one command
type engine struct {
	cfg    *config.Config
	pool   *storage.Pool
	broker *events.Broker
	reg    *zvol.Registry
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Init(cfg.LogOptions())
	return cfg, nil
}

func openEngine(cmd *cobra.Command) (*engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	pool, err := storage.Open(cfg.DataDir, cfg.StorageOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	return &engine{
		cfg:    cfg,
		pool:   pool,
		broker: broker,
		reg:    zvol.NewRegistry(pool, broker, cfg.ZvolOptions()),
	}, nil
}

// minor registers the named volume, replaying its intent log
func (e *engine) minor(name string) error {
	err := e.reg.CreateMinor(name)
	if errors.Is(err, zvol.ErrAlreadyExists) {
		return nil
	}
	return err
}

// minors registers every volume in the pool. Volumes hidden by volmode are
// skipped.
func (e *engine) minors() error {
	datasets, err := e.pool.ListDatasets()
	if err != nil {
		return fmt.Errorf("failed to list datasets: %w", err)
	}
	logger := log.WithComponent("cli")
	for _, ds := range datasets {
		err := e.minor(ds.Name)
		if errors.Is(err, zvol.ErrUnsupported) {
			logger.Debug().Str("volume", ds.Name).Msg("volume has no device node")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to create minor for %s: %w", ds.Name, err)
		}
	}
	return nil
}

func (e *engine) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Zvol.DrainTimeout)
	defer cancel()

	err := e.reg.Close(ctx)
	if cerr := e.pool.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close pool: %w", cerr)
	}
	e.broker.Stop()
	return err
}

// withEngine runs fn against an opened engine and closes it afterwards
func withEngine(cmd *cobra.Command, fn func(e *engine) error) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	err = fn(e)
	if cerr := e.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// parseSize accepts plain bytes or a K/M/G/T suffix (powers of 1024)
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimSuffix(s, "B")
	shift := 0
	if s != "" {
		switch s[len(s)-1] {
		case 'K':
			shift = 10
		case 'M':
			shift = 20
		case 'G':
			shift = 30
		case 'T':
			shift = 40
		}
		if shift != 0 {
			s = s[:len(s)-1]
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (1<<64-1)>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n << shift, nil
}

func formatSize(n uint64) string {
	units := []string{"B", "K", "M", "G", "T"}
	i := 0
	for n >= 1024 && n%1024 == 0 && i < len(units)-1 {
		n /= 1024
		i++
	}
	return fmt.Sprintf("%d%s", n, units[i])
}

func formatTime(t time.Time) string {
	return t.Local().Format(time.DateTime)
}
