// Package database executes SQL for query statements against named
// datasources. Connections are pooled per datasource id; postgres, mysql and
// sqlite are supported.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mitchellh/mapstructure"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/logger"
	"github.com/quillframe/quill/pkg/value"
)

const defaultQueryTimeout = 30 * time.Second

// QueryResult is what a query statement stores in the execution context.
// Failures are reported inside the result, not raised.
type QueryResult struct {
	Success     bool
	Data        []map[string]any
	RecordCount int
	Error       string
}

// ToValue converts the result into the context value shape expressions
// dereference ({name.data}, {name.recordCount}).
func (r QueryResult) ToValue() map[string]any {
	data := make([]any, len(r.Data))
	for i, row := range r.Data {
		data[i] = row
	}
	return map[string]any{
		"success":     r.Success,
		"data":        data,
		"recordCount": int64(r.RecordCount),
		"error":       r.Error,
	}
}

// Service owns one connection pool per registered datasource.
type Service struct {
	mu      sync.Mutex
	sources map[string]*ast.DatasourceNode
	pools   map[string]*sql.DB
	log     *slog.Logger
}

func NewService() *Service {
	return &Service{
		sources: map[string]*ast.DatasourceNode{},
		pools:   map[string]*sql.DB{},
		log:     logger.GetLogger("database"),
	}
}

// Register makes a datasource available for queries. Non-database types are
// rejected; they resolve through other services.
func (s *Service) Register(ds *ast.DatasourceNode) error {
	if ds == nil || ds.ID == "" {
		return fmt.Errorf("datasource id is required")
	}
	if !ds.Type.IsDatabase() {
		return fmt.Errorf("datasource %q has non-database type %q", ds.ID, ds.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[ds.ID] = ds
	return nil
}

// ExecuteQuery runs sqlText against the named datasource and reports the
// outcome inside the QueryResult.
func (s *Service) ExecuteQuery(ctx context.Context, datasourceID, sqlText string, params []any, maxRows, timeoutSec int) QueryResult {
	db, err := s.pool(datasourceID)
	if err != nil {
		return QueryResult{Error: err.Error()}
	}

	timeout := defaultQueryTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !returnsRows(sqlText) {
		res, err := db.ExecContext(ctx, sqlText, params...)
		if err != nil {
			return QueryResult{Error: err.Error()}
		}
		affected, _ := res.RowsAffected()
		return QueryResult{Success: true, RecordCount: int(affected)}
	}

	rows, err := db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return QueryResult{Error: err.Error()}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return QueryResult{Error: err.Error()}
	}

	var data []map[string]any
	for rows.Next() {
		if maxRows > 0 && len(data) >= maxRows {
			break
		}
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{Error: err.Error()}
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeColumn(raw[i])
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{Error: err.Error()}
	}
	return QueryResult{Success: true, Data: data, RecordCount: len(data)}
}

// Close releases every pool.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, db := range s.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.pools, id)
	}
	return firstErr
}

func (s *Service) pool(datasourceID string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.pools[datasourceID]; ok {
		return db, nil
	}
	ds, ok := s.sources[datasourceID]
	if !ok {
		return nil, fmt.Errorf("unknown datasource %q", datasourceID)
	}
	driver, dsn, err := buildDSN(ds)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open datasource %q: %w", datasourceID, err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	s.pools[datasourceID] = db
	s.log.Debug("opened datasource pool", "datasource", datasourceID, "driver", driver)
	return db, nil
}

// connParams is the typed view of a datasource's attribute map.
type connParams struct {
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

func decodeParams(attrs map[string]string, defaults connParams) (connParams, error) {
	params := defaults
	if err := mapstructure.Decode(attrs, &params); err != nil {
		return params, fmt.Errorf("decode datasource attributes: %w", err)
	}
	return params, nil
}

func buildDSN(ds *ast.DatasourceNode) (driver, dsn string, err error) {
	switch ds.Type {
	case ast.DatasourceSQLite:
		p, err := decodeParams(ds.Attributes, connParams{Path: ":memory:"})
		if err != nil {
			return "", "", err
		}
		return "sqlite3", p.Path, nil
	case ast.DatasourcePostgres:
		p, err := decodeParams(ds.Attributes, connParams{
			Host: "localhost", Port: "5432", User: "postgres",
			Database: "postgres", SSLMode: "disable",
		})
		if err != nil {
			return "", "", err
		}
		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
		return "postgres", dsn, nil
	case ast.DatasourceMySQL:
		p, err := decodeParams(ds.Attributes, connParams{Host: "localhost", Port: "3306", User: "root"})
		if err != nil {
			return "", "", err
		}
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
			p.User, p.Password, p.Host, p.Port, p.Database)
		return "mysql", dsn, nil
	case ast.DatasourceMSSQL:
		return "", "", fmt.Errorf("mssql datasources are not supported by this build")
	default:
		return "", "", fmt.Errorf("datasource type %q is not a database", ds.Type)
	}
}

// returnsRows sniffs whether the statement produces a result set.
func returnsRows(sqlText string) bool {
	head := strings.ToUpper(strings.TrimSpace(sqlText))
	for _, kw := range []string{"SELECT", "WITH", "SHOW", "PRAGMA", "EXPLAIN"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return strings.Contains(head, "RETURNING")
}

func normalizeColumn(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return value.Normalize(v)
	}
}
