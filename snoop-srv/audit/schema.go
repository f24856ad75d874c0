package audit

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/authlab/snoop/snoop-srv/logger"
)

// ColumnType is the portable type of a column; columnSQL maps it per driver.
type ColumnType string

const (
	ColumnTypeText      ColumnType = "TEXT"
	ColumnTypeBigint    ColumnType = "BIGINT"
	ColumnTypeInteger   ColumnType = "INTEGER"
	ColumnTypeReal      ColumnType = "REAL"
	ColumnTypeTimestamp ColumnType = "TIMESTAMP"
	ColumnTypeJSON      ColumnType = "JSON"
)

type ColumnDefinition struct {
	Name       string
	Type       ColumnType
	NotNull    bool
	PrimaryKey bool
}

type IndexDefinition struct {
	Name    string
	Columns []string
}

type TableDefinition struct {
	Name    string
	Columns []ColumnDefinition
	Indexes []IndexDefinition
}

// Tables is the audit schema shared by the SQL backends.
var Tables = []TableDefinition{
	{
		Name: "connections",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeText, PrimaryKey: true},
			{Name: "client", Type: ColumnTypeText},
			{Name: "bytes_in", Type: ColumnTypeBigint, NotNull: true},
			{Name: "bytes_out", Type: ColumnTypeBigint, NotNull: true},
			{Name: "started_at", Type: ColumnTypeTimestamp, NotNull: true},
			{Name: "ended_at", Type: ColumnTypeTimestamp, NotNull: true},
			{Name: "duration_ms", Type: ColumnTypeBigint, NotNull: true},
			{Name: "close_reason", Type: ColumnTypeText},
		},
		Indexes: []IndexDefinition{
			{Name: "idx_connections_started_at", Columns: []string{"started_at"}},
		},
	},
	{
		Name: "transactions",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeText, PrimaryKey: true},
			{Name: "connection_id", Type: ColumnTypeText, NotNull: true},
			{Name: "method", Type: ColumnTypeText},
			{Name: "url", Type: ColumnTypeText},
			{Name: "status", Type: ColumnTypeInteger},
			{Name: "started_at", Type: ColumnTypeTimestamp, NotNull: true},
			{Name: "time_ms", Type: ColumnTypeReal},
			{Name: "har", Type: ColumnTypeJSON, NotNull: true},
		},
		Indexes: []IndexDefinition{
			{Name: "idx_transactions_connection_id", Columns: []string{"connection_id"}},
			{Name: "idx_transactions_started_at", Columns: []string{"started_at"}},
		},
	},
	{
		Name: "exceptions",
		Columns: []ColumnDefinition{
			{Name: "id", Type: ColumnTypeText, PrimaryKey: true},
			{Name: "connection_id", Type: ColumnTypeText, NotNull: true},
			{Name: "message", Type: ColumnTypeText, NotNull: true},
			{Name: "recorded_at", Type: ColumnTypeTimestamp, NotNull: true},
		},
		Indexes: []IndexDefinition{
			{Name: "idx_exceptions_connection_id", Columns: []string{"connection_id"}},
		},
	},
}

func columnSQL(driver string, c ColumnDefinition) string {
	typ := string(c.Type)
	switch {
	case c.Type == ColumnTypeJSON && driver == "postgres":
		typ = "JSONB"
	case c.Type == ColumnTypeJSON:
		typ = "TEXT"
	case c.Type == ColumnTypeTimestamp && driver == "postgres":
		typ = "TIMESTAMPTZ"
	case c.Type == ColumnTypeTimestamp:
		typ = "DATETIME"
	case c.Type == ColumnTypeReal && driver == "postgres":
		typ = "DOUBLE PRECISION"
	}

	def := c.Name + " " + typ
	if c.PrimaryKey {
		def += " PRIMARY KEY"
	}
	if c.NotNull {
		def += " NOT NULL"
	}
	return def
}

func createTableSQL(driver string, table TableDefinition) string {
	columns := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		columns = append(columns, columnSQL(driver, c))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table.Name, strings.Join(columns, ",\n\t"))
}

func createIndexSQL(table TableDefinition, index IndexDefinition) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", index.Name, table.Name, strings.Join(index.Columns, ", "))
}

// initSchema creates missing tables and indexes.
func initSchema(db *sql.DB, driver string) error {
	for _, table := range Tables {
		query := createTableSQL(driver, table)
		logger.Debug("Creating table %s with SQL: %s", table.Name, query)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
		for _, index := range table.Indexes {
			if _, err := db.Exec(createIndexSQL(table, index)); err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.Name, err)
			}
		}
	}
	return nil
}
