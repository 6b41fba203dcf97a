package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgconn"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/bookmark"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/coerce"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/config"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/incremental"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/logicalrepl"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/orchestrator"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/pgutil"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/snapshot"
	"github.com/transferwise/pipelinewise-tap-postgres/internal/wire"
)

func syncCmd() *cobra.Command {
	var configPath, catalogPath, statePath, committedStatePath string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate selected streams to stdout as tap-protocol messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if committedStatePath == "" {
				committedStatePath = statePath
			}
			return runSync(cmd.Context(), configPath, catalogPath, statePath, committedStatePath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json (required)")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "path to catalog.json (required)")
	cmd.Flags().StringVar(&statePath, "state", "", "path to a previously emitted state.json (optional)")
	cmd.Flags().StringVar(&committedStatePath, "committed-state", "", "path the external supervisor writes durably-committed state to; defaults to --state")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("catalog")

	return cmd
}

func runSync(ctx context.Context, configPath, catalogPath, statePath, committedStatePath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(catalogPath)
	if err != nil {
		return err
	}
	store, err := loadState(statePath)
	if err != nil {
		return err
	}

	emit := wire.NewJSONLineEmitter(os.Stdout)

	scanConn, err := connectScan(ctx, cfg)
	if err != nil {
		return err
	}
	defer scanConn.Close(ctx)

	roundTrip := orchestrator.NewRoundTripper(scanConn)
	coercer := coerce.New(roundTrip)
	rowQuerier := orchestrator.NewQuerier(scanConn)
	windowQuerier := orchestrator.NewWindowQuerier(scanConn)

	engine := &orchestrator.Engine{
		Catalog:     cat,
		Store:       store,
		Emit:        emit,
		Coerce:      coercer,
		Snapshot:    snapshot.New(rowQuerier, coercer, emit, store),
		Incremental: incremental.New(rowQuerier, coercer, emit, store),
		TimeBased:   incremental.NewTimeBased(windowQuerier, coercer, emit, store),
	}

	logBasedStreams := selectedLogBased(cat)
	if len(logBasedStreams) > 0 {
		session, replConn, err := setupLogBasedSession(ctx, cfg, scanConn, logBasedStreams)
		if err != nil {
			return err
		}
		defer replConn.Close(ctx)
		session.RunnerOpt = func(r *logicalrepl.Runner) {
			r.MaxRunSeconds = cfg.MaxRunSeconds
			r.LogicalPollTotalSeconds = cfg.LogicalPollTotalSeconds
			r.BreakAtEndLSN = cfg.BreakAtEndLSN
			r.CommittedStatePath = committedStatePath
		}
		engine.LogBased = session
	}

	return engine.Run(ctx)
}

func selectedLogBased(cat *catalog.Catalog) []*catalog.Stream {
	var out []*catalog.Stream
	for _, s := range cat.SelectedStreams() {
		if s.Meta().ReplicationMethod() == catalog.LogBased {
			out = append(out, s)
		}
	}
	return out
}

// setupLogBasedSession opens the replication connection, locates (creating
// if necessary) the replication slot, and starts streaming, per spec.md
// §4.5. All LOG_BASED streams share the one slot/session this returns.
func setupLogBasedSession(ctx context.Context, cfg *config.Config, scanConn *pgx.Conn, streams []*catalog.Stream) (*orchestrator.LogBasedSession, *pgconn.PgConn, error) {
	version, err := serverVersionNum(ctx, scanConn)
	if err != nil {
		return nil, nil, err
	}
	if err := pgutil.CheckReplicationSupported(version); err != nil {
		return nil, nil, err
	}

	slotName, err := pgutil.LocateSlot(ctx, scanConn, cfg.DBName, cfg.TapID, cfg.SlotNamePrefix)
	slotExisted := err == nil
	if err != nil && !errors.Is(err, pgutil.ErrReplicationSlotNotFound) {
		return nil, nil, err
	}
	if !slotExisted {
		slotName = pgutil.GenerateSlotName(cfg.DBName, cfg.TapID, cfg.SlotNamePrefix)
	}

	replConn, err := connectReplication(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if !slotExisted {
		if _, err := pglogrepl.CreateReplicationSlot(ctx, replConn, slotName, "wal2json",
			pglogrepl.CreateReplicationSlotOptions{Mode: pglogrepl.LogicalReplication}); err != nil {
			replConn.Close(ctx)
			return nil, nil, fmt.Errorf("creating replication slot %q: %w", slotName, err)
		}
		logrus.WithField("slot", slotName).Info("created replication slot")
	}

	var tables []pgutil.TableRef
	for _, s := range streams {
		tables = append(tables, pgutil.TableRef{Schema: s.Meta().SchemaName(), Table: s.TableName})
	}
	pluginArgs := []string{
		fmt.Sprintf(`"add-tables" '%s'`, pgutil.EncodeWal2JSONFilter(tables)),
		`"write-in-chunks" '1'`,
		`"include-lsn" '1'`,
	}

	startLSN := int64(0)
	replStream, err := orchestrator.StartLogicalReplication(ctx, replConn, slotName, startLSN, pluginArgs)
	if err != nil {
		replConn.Close(ctx)
		return nil, nil, err
	}

	return &orchestrator.LogBasedSession{
		Fetcher:  orchestrator.NewCurrentLSNFetcher(replConn, version),
		Refresh:  orchestrator.NewSchemaRefresher(scanConn),
		Stream:   replStream,
		DebugLSN: cfg.DebugLSN,
	}, replConn, nil
}

func loadConfig(path string) (*config.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config %q: %w", path, err)
	}
	defer f.Close()
	return config.Load(f)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %q: %w", path, err)
	}
	return catalog.LoadCatalog(data)
}

func loadState(path string) (*bookmark.Store, error) {
	if path == "" {
		return bookmark.NewStore(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bookmark.NewStore(), nil
		}
		return nil, fmt.Errorf("reading state %q: %w", path, err)
	}
	var value wire.StateValue
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parsing state %q: %w", path, err)
	}
	return bookmark.LoadStore(value), nil
}
