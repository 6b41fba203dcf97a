package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/config"
)

// connInfo builds a libpq key/value connection string for host/port,
// following the standard conninfo format every PostgreSQL client library
// (including pgx) accepts.
func connInfo(cfg *config.Config, host string, port int) string {
	var b strings.Builder
	writeConnInfoPair(&b, "host", host)
	writeConnInfoPair(&b, "port", fmt.Sprintf("%d", port))
	writeConnInfoPair(&b, "dbname", cfg.DBName)
	writeConnInfoPair(&b, "user", cfg.User)
	if cfg.Password != "" {
		writeConnInfoPair(&b, "password", cfg.Password)
	}
	writeConnInfoPair(&b, "connect_timeout", fmt.Sprintf("%d", cfg.ConnectTimeout))
	return b.String()
}

func writeConnInfoPair(b *strings.Builder, key, value string) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	fmt.Fprintf(b, "%s='%s'", key, escaped)
}

// connectScan opens the non-replication connection used for table scanning
// and catalog/server-property queries, directed at the secondary host when
// one is configured (spec.md §6).
func connectScan(ctx context.Context, cfg *config.Config) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, connInfo(cfg, cfg.ScanHost(), cfg.ScanPort()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d for table scan: %w", cfg.ScanHost(), cfg.ScanPort(), err)
	}
	return conn, nil
}

// connectReplication opens the replication-mode connection, always against
// the primary (spec.md §6: "the primary is always used for the replication
// session"), grounded on the teacher's capture.go ParseConfig +
// RuntimeParams["replication"]="database" pattern.
func connectReplication(ctx context.Context, cfg *config.Config) (*pgconn.PgConn, error) {
	parsed, err := pgconn.ParseConfig(connInfo(cfg, cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("parsing replication connection config: %w", err)
	}
	parsed.RuntimeParams["replication"] = "database"
	if cfg.ConnectTimeout > 0 {
		parsed.ConnectTimeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}

	conn, err := pgconn.ConnectConfig(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d for replication: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}

// serverVersionNum queries server_version_num, the integer form pgutil's
// version gate and CurrentLSNQuery branch on.
func serverVersionNum(ctx context.Context, conn *pgx.Conn) (int, error) {
	var version int
	if err := conn.QueryRow(ctx, "SELECT current_setting('server_version_num')::integer").Scan(&version); err != nil {
		return 0, fmt.Errorf("querying server_version_num: %w", err)
	}
	return version, nil
}
