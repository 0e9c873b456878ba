package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
)

// ColumnType is a driver-neutral column type.
type ColumnType string

const (
	ColumnTypeSerial    ColumnType = "SERIAL"
	ColumnTypeInteger   ColumnType = "INTEGER"
	ColumnTypeBigint    ColumnType = "BIGINT"
	ColumnTypeText      ColumnType = "TEXT"
	ColumnTypeTimestamp ColumnType = "TIMESTAMP"
)

type ColumnDefinition struct {
	Name         string
	Type         ColumnType
	NotNull      bool
	DefaultValue string
	References   string // "table(column)", deletes cascade
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

// expectedSchema lists every table the SQL collectors write to.
func expectedSchema() []TableDefinition {
	return []TableDefinition{
		{
			Name: "connections",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial},
				{Name: "client_ip", Type: ColumnTypeText, NotNull: true},
				{Name: "target_host", Type: ColumnTypeText, NotNull: true},
				{Name: "target_port", Type: ColumnTypeInteger, NotNull: true},
				{Name: "kind", Type: ColumnTypeText, NotNull: true},
				{Name: "started_at", Type: ColumnTypeTimestamp, NotNull: true},
				{Name: "ended_at", Type: ColumnTypeTimestamp},
				{Name: "bytes_sent", Type: ColumnTypeBigint, DefaultValue: "0"},
				{Name: "bytes_received", Type: ColumnTypeBigint, DefaultValue: "0"},
				{Name: "duration_ms", Type: ColumnTypeBigint},
				{Name: "close_reason", Type: ColumnTypeText},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_connections_target_host", Columns: []string{"target_host"}},
				{Name: "idx_connections_started_at", Columns: []string{"started_at"}},
			},
		},
		{
			Name: "requests",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial},
				{Name: "connection_id", Type: ColumnTypeBigint, NotNull: true, References: "connections(id)"},
				{Name: "method", Type: ColumnTypeText, NotNull: true},
				{Name: "host", Type: ColumnTypeText, NotNull: true},
				{Name: "port", Type: ColumnTypeInteger, NotNull: true},
				{Name: "path", Type: ColumnTypeText, NotNull: true},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_requests_connection_id", Columns: []string{"connection_id"}},
				{Name: "idx_requests_host", Columns: []string{"host"}},
			},
		},
		{
			Name: "errors",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial},
				{Name: "connection_id", Type: ColumnTypeBigint},
				{Name: "error_type", Type: ColumnTypeText, NotNull: true},
				{Name: "error_message", Type: ColumnTypeText, NotNull: true},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_errors_error_type", Columns: []string{"error_type"}},
			},
		},
		{
			Name: "security_events",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial},
				{Name: "client_ip", Type: ColumnTypeText, NotNull: true},
				{Name: "target_host", Type: ColumnTypeText, NotNull: true},
				{Name: "event_type", Type: ColumnTypeText, NotNull: true},
				{Name: "reason", Type: ColumnTypeText},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
		},
	}
}

// SchemaInitializer creates the statistics tables for one driver.
type SchemaInitializer struct {
	db     *sql.DB
	driver string
}

func NewSchemaInitializer(db *sql.DB, driver string) *SchemaInitializer {
	return &SchemaInitializer{db: db, driver: driver}
}

// InitializeSchema creates missing tables and indexes. Existing ones are left alone.
func (si *SchemaInitializer) InitializeSchema(ctx context.Context) error {
	for _, table := range expectedSchema() {
		if _, err := si.db.ExecContext(ctx, si.createTableSQL(table)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
		for _, index := range table.Indexes {
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				index.Name, table.Name, strings.Join(index.Columns, ", "))
			if _, err := si.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.Name, err)
			}
		}
		logger.Trace("Ensured stats table %s (%s)", table.Name, si.driver)
	}
	return nil
}

func (si *SchemaInitializer) createTableSQL(table TableDefinition) string {
	cols := make([]string, 0, len(table.Columns))
	for _, col := range table.Columns {
		cols = append(cols, si.columnSQL(col))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table.Name, strings.Join(cols, ",\n\t"))
}

func (si *SchemaInitializer) columnSQL(col ColumnDefinition) string {
	var b strings.Builder
	b.WriteString(col.Name)
	b.WriteByte(' ')

	if col.Type == ColumnTypeSerial {
		if si.driver == "postgres" {
			b.WriteString("BIGSERIAL PRIMARY KEY")
		} else {
			b.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
		}
		return b.String()
	}

	b.WriteString(string(col.Type))
	if col.NotNull {
		b.WriteString(" NOT NULL")
	}
	if col.DefaultValue != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(col.DefaultValue)
	}
	if col.References != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(col.References)
		b.WriteString(" ON DELETE CASCADE")
	}
	return b.String()
}
