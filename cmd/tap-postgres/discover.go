package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/transferwise/pipelinewise-tap-postgres/internal/catalog"
)

// discoverCmd emits a catalog document describing every table reachable
// from the configured database, deselected and defaulted to FULL_TABLE.
// Picking replication methods, keys, and column inclusion is an operator
// (or upstream discovery tool) decision this command does not make --
// it writes the automatic-vs-available split and leaves the rest for the
// catalog to be hand-edited or re-written before sync.
func discoverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Emit a catalog document describing the tables visible to this connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json (required)")
	cmd.MarkFlagRequired("config")

	return cmd
}

func runDiscover(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	conn, err := connectScan(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	cat, err := discoverCatalog(ctx, conn, cfg.FilterSchemas)
	if err != nil {
		return err
	}

	logrus.WithField("streams", len(cat.Streams)).Info("discover completed")
	return json.NewEncoder(os.Stdout).Encode(cat)
}

type tableRef struct{ schema, table string }

func discoverCatalog(ctx context.Context, conn *pgx.Conn, filterSchemas []string) (*catalog.Catalog, error) {
	tables, err := listTables(ctx, conn, filterSchemas)
	if err != nil {
		return nil, err
	}

	cat := &catalog.Catalog{}
	for _, t := range tables {
		stream, err := buildStream(ctx, conn, t)
		if err != nil {
			return nil, fmt.Errorf("describing %s.%s: %w", t.schema, t.table, err)
		}
		cat.Streams = append(cat.Streams, stream)
	}
	return cat, nil
}

func listTables(ctx context.Context, conn *pgx.Conn, filterSchemas []string) ([]tableRef, error) {
	sql := `SELECT table_schema, table_name FROM information_schema.tables
		WHERE table_type = 'BASE TABLE' AND table_schema NOT IN ('pg_catalog', 'information_schema')`
	var args []interface{}
	if len(filterSchemas) > 0 {
		sql += " AND table_schema = ANY($1)"
		args = append(args, filterSchemas)
	}
	sql += " ORDER BY table_schema, table_name"

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var out []tableRef
	for rows.Next() {
		var t tableRef
		if err := rows.Scan(&t.schema, &t.table); err != nil {
			return nil, fmt.Errorf("scanning table list: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func buildStream(ctx context.Context, conn *pgx.Conn, t tableRef) (*catalog.Stream, error) {
	rows, err := conn.Query(ctx,
		`SELECT c.column_name, c.data_type, COALESCE(k.constraint_type = 'PRIMARY KEY', false)
		 FROM information_schema.columns c
		 LEFT JOIN information_schema.key_column_usage kcu
		   ON kcu.table_schema = c.table_schema AND kcu.table_name = c.table_name AND kcu.column_name = c.column_name
		 LEFT JOIN information_schema.table_constraints k
		   ON k.constraint_name = kcu.constraint_name AND k.table_schema = kcu.table_schema AND k.constraint_type = 'PRIMARY KEY'
		 WHERE c.table_schema = $1 AND c.table_name = $2
		 ORDER BY c.ordinal_position`, t.schema, t.table)
	if err != nil {
		return nil, fmt.Errorf("querying columns: %w", err)
	}
	defer rows.Close()

	props := make(map[string]interface{})
	var order []string
	var keyProps []string
	metadata := []catalog.RawMetadataEntry{{
		Breadcrumb: nil,
		Metadata: map[string]interface{}{
			"schema-name":        t.schema,
			"replication-method": string(catalog.FullTable),
			"selected":           false,
		},
	}}

	for rows.Next() {
		var name, dataType string
		var isKey bool
		if err := rows.Scan(&name, &dataType, &isKey); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		order = append(order, name)
		props[name] = map[string]interface{}{"type": []interface{}{"null", "string"}}

		inclusion := catalog.InclusionAvailable
		if isKey {
			inclusion = catalog.InclusionAutomatic
			keyProps = append(keyProps, name)
		}
		metadata = append(metadata, catalog.RawMetadataEntry{
			Breadcrumb: []string{"properties", name},
			Metadata: map[string]interface{}{
				"sql-datatype": dataType,
				"inclusion":    string(inclusion),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	metadata[0].Metadata["table-key-properties"] = keyProps

	return &catalog.Stream{
		TapStreamID: catalog.ComputeTapStreamID(t.schema, t.table),
		TableName:   t.table,
		SchemaName:  t.schema,
		JSONSchema: map[string]interface{}{
			"type":           "object",
			"properties":     props,
			"property_order": order,
		},
		Metadata: metadata,
	}, nil
}
