package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/objtier/internal/meta"
	"github.com/gftdcojp/objtier/internal/types"
	"go.uber.org/zap"
)

// ScanTaskName is the name the migration scan is scheduled under.
const ScanTaskName = "tiering-scan"

// DefaultScanInterval is the delay between migration passes.
const DefaultScanInterval = time.Hour

// Config holds the construction parameters of a tiered store.
type Config struct {
	Hot       Backend
	Cold      Backend
	Scheduler Scheduler
	// AgeDays is the migration threshold in whole days. Zero migrates every
	// object whose last-modified time is not in the future.
	AgeDays int

	// ScanInterval defaults to DefaultScanInterval.
	ScanInterval time.Duration
	// InitialDelay defaults to ScanInterval. Use a negative value to run the
	// first pass immediately.
	InitialDelay  time.Duration
	ObjectTimeout time.Duration

	Journal meta.Store
	Logger  *zap.Logger
	Now     func() time.Time
}

// Store wires the accessor and the scheduled scanner over one backend pair.
type Store struct {
	accessor *Accessor
	scanner  *Scanner
	policy   *Policy
	interval time.Duration
}

// New validates cfg, builds the accessor and scanner and schedules the
// migration scan.
func New(cfg Config) (*Store, error) {
	if cfg.Hot == nil || cfg.Cold == nil {
		return nil, errors.New("tiered store requires both hot and cold backends")
	}
	if cfg.Hot == cfg.Cold {
		return nil, errors.New("hot and cold backends must be distinct")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("tiered store requires a scheduler")
	}
	policy, err := NewPolicy(cfg.AgeDays)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	initialDelay := cfg.InitialDelay
	if initialDelay == 0 {
		initialDelay = interval
	} else if initialDelay < 0 {
		initialDelay = 0
	}

	s := &Store{
		accessor: NewAccessor(cfg.Hot, cfg.Cold, logger.Named("accessor")),
		scanner: NewScanner(ScannerConfig{
			Hot:           cfg.Hot,
			Cold:          cfg.Cold,
			Policy:        policy,
			Journal:       cfg.Journal,
			Logger:        logger.Named("scanner"),
			Now:           cfg.Now,
			ObjectTimeout: cfg.ObjectTimeout,
		}),
		policy:   policy,
		interval: interval,
	}

	task := func(ctx context.Context) { s.scanner.Scan(ctx) }
	if err := cfg.Scheduler.ScheduleWithFixedDelay(ScanTaskName, task, initialDelay, interval); err != nil {
		return nil, fmt.Errorf("scheduling migration scan: %w", err)
	}

	logger.Info("tiered store ready",
		zap.Int("age_days", cfg.AgeDays),
		zap.Duration("scan_interval", interval),
		zap.Duration("initial_delay", initialDelay),
	)
	return s, nil
}

// Accessor returns the caller-facing backend.
func (s *Store) Accessor() *Accessor { return s.accessor }

// ScanNow runs a migration pass synchronously. It waits for a scheduled pass
// that is already running.
func (s *Store) ScanNow(ctx context.Context) types.PassStats {
	return s.scanner.Scan(ctx)
}

// LastPass returns the statistics of the most recent pass since startup.
func (s *Store) LastPass() (types.PassStats, bool) { return s.scanner.LastPass() }

// Scanning reports whether a pass is in progress.
func (s *Store) Scanning() bool { return s.scanner.Running() }

// Threshold returns the migration age threshold.
func (s *Store) Threshold() time.Duration { return s.policy.Threshold() }

// ScanInterval returns the delay between scheduled passes.
func (s *Store) ScanInterval() time.Duration { return s.interval }

// Close closes both backends. The scheduler is owned by the caller and
// should be shut down first.
func (s *Store) Close() error { return s.accessor.Close() }
