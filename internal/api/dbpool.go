package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaycore/ledgersync/internal/autoheal"
	"github.com/relaycore/ledgersync/internal/changelog"
	"github.com/relaycore/ledgersync/internal/consistency"
	"github.com/relaycore/ledgersync/internal/ledger"
	"github.com/relaycore/ledgersync/internal/pullproducer"
	"github.com/relaycore/ledgersync/internal/pushapplier"
	"github.com/relaycore/ledgersync/internal/registry"

	_ "modernc.org/sqlite"
)

// devSignerSecret is the fallback block-signing seed used when
// LEDGER_SIGNER_SECRET is unset, matching the permissive development
// defaults elsewhere in Config (AllowSignup, CORS). Never rely on this in
// production -- a real deployment must set LEDGER_SIGNER_SECRET.
const devSignerSecret = "ledgersync-dev-signer-secret-change-me"

// projectBundle wires one project's change log, ledger engine, push
// applier, pull producer, consistency reporter, and autoheal controller
// over its own per-project SQLite database.
type projectBundle struct {
	db       *sql.DB
	log      *changelog.Store
	engine   *ledger.Engine
	applier  *pushapplier.Applier
	producer *pullproducer.Producer
	state    *pullproducer.StateStore
	reporter *consistency.Reporter
	autoheal *autoheal.Controller
}

// ProjectDBPool manages per-project SQLite connections and their wired
// component bundles, lazily opened and cached. Generalized from the
// teacher's ProjectDBPool (a bare *sql.DB per project running an event log)
// to the full ledger/changelog/pullproducer/autoheal schema set.
type ProjectDBPool struct {
	mu      sync.RWMutex
	bundles map[string]*projectBundle
	dataDir string
	reg     *registry.Registry
	signer  []byte
	heal    autoheal.Config
	drift   consistency.Thresholds
}

// NewProjectDBPool creates a new pool that stores project databases under
// dataDir. reg is shared read-only across every project bundle.
func NewProjectDBPool(dataDir string, reg *registry.Registry, cfg Config) *ProjectDBPool {
	secret := cfg.LedgerSignerSecret
	if len(secret) == 0 {
		slog.Warn("LEDGER_SIGNER_SECRET not set, using insecure development default")
		secret = []byte(devSignerSecret)
	}
	return &ProjectDBPool{
		bundles: make(map[string]*projectBundle),
		dataDir: dataDir,
		reg:     reg,
		signer:  secret,
		heal: autoheal.Config{
			Enabled:                   cfg.Autoheal.Enabled,
			CooldownMS:                cfg.Autoheal.CooldownMS,
			SameFingerprintCooldownMS: cfg.Autoheal.SameFingerprintCooldownMS,
			MaxActionsPer24h:          cfg.Autoheal.MaxActionsPer24h,
			MaxDeepRepairPer24h:       cfg.Autoheal.MaxDeepRepairPer24h,
			CriticalConsecutive:       cfg.Autoheal.CriticalConsecutive,
			DegradedConsecutive:       cfg.Autoheal.ResetConsecutive,
			ObserveConsecutive:        cfg.Autoheal.ForcePullConsecutive,
			ForcePullLagThreshold:     8000,
			HistoryWindow:             200,
		},
		drift: consistency.Thresholds{
			Observe:  cfg.Autoheal.ObserveRatio,
			Degraded: cfg.Autoheal.DegradedRatio,
			Critical: cfg.Autoheal.CriticalRatio,
			DriftAbs: cfg.DriftThreshold,
		},
	}
}

// Get returns the bundle for the given project, opening it lazily. Returns
// an error if the project directory does not exist; the caller must Create
// it first (e.g. from handleCreateProject).
func (p *ProjectDBPool) Get(projectID string) (*projectBundle, error) {
	p.mu.RLock()
	b, ok := p.bundles[projectID]
	p.mu.RUnlock()
	if ok {
		return b, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := p.bundles[projectID]; ok {
		return b, nil
	}

	dbPath := filepath.Join(p.dataDir, projectID, "ledger.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("project database not found: %s", projectID)
	}

	b, err := p.openBundle(projectID, dbPath)
	if err != nil {
		return nil, err
	}

	p.bundles[projectID] = b
	return b, nil
}

// Create creates a new project database directory and initializes its schema.
func (p *ProjectDBPool) Create(projectID string) (*projectBundle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// If already created, return existing bundle
	if b, ok := p.bundles[projectID]; ok {
		return b, nil
	}

	dir := filepath.Join(p.dataDir, projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	b, err := p.openBundle(projectID, dbPath)
	if err != nil {
		return nil, err
	}

	p.bundles[projectID] = b
	return b, nil
}

// CloseAll closes all open project database connections.
func (p *ProjectDBPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, b := range p.bundles {
		b.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		b.db.Close()
		delete(p.bundles, id)
	}
}

// openBundle opens a SQLite connection for a project ledger with standard
// pragmas, then initializes and wires every component on top of it.
func (p *ProjectDBPool) openBundle(projectID, dbPath string) (*projectBundle, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open project db: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.Exec("PRAGMA synchronous=NORMAL")
	db.Exec("PRAGMA foreign_keys=ON")

	ctx := context.Background()

	log := changelog.New(db)
	if err := log.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init changelog: %w", err)
	}

	signer, err := ledger.NewKeySigner(p.signer, projectID)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("derive ledger signer: %w", err)
	}
	engine := ledger.New(db, log, p.reg, signer)
	if err := engine.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}

	state := pullproducer.NewStateStore(db)
	if err := state.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sync state: %w", err)
	}

	reporter := consistency.New(db, engine, p.drift)
	if err := reporter.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init consistency reporter: %w", err)
	}

	ctrl := autoheal.New(db, reporter, state, p.heal)
	if err := ctrl.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init autoheal controller: %w", err)
	}

	return &projectBundle{
		db:       db,
		log:      log,
		engine:   engine,
		applier:  pushapplier.New(p.reg, engine),
		producer: pullproducer.New(p.reg, log, state),
		state:    state,
		reporter: reporter,
		autoheal: ctrl,
	}, nil
}
