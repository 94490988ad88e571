package targetdb

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go_dbchange/internal/config"
	"go_dbchange/internal/model"
)

// Manager keeps one pool per instance/schema and implements Runner
type Manager struct {
	creds  config.RemoteDBConfig
	logger *logrus.Entry
	pool   sync.Map // key -> *conn
}

type conn struct {
	orm *gorm.DB
	raw *sql.DB
}

// NewManager creates a target database manager
func NewManager(creds config.RemoteDBConfig, log *logrus.Entry) *Manager {
	return &Manager{
		creds:  creds,
		logger: log.WithField("component", "targetdb"),
	}
}

func (m *Manager) mysqlDSN(t Target) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = m.creds.User
	cfg.Passwd = m.creds.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", t.Host, t.Port)
	cfg.DBName = t.Schema
	cfg.ParseTime = true
	cfg.Loc = time.Local
	cfg.Timeout = 10 * time.Second
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

func (m *Manager) postgresDSN(t Target) string {
	dbname := t.Schema
	if dbname == "" {
		dbname = "postgres"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=10",
		t.Host, t.Port, m.creds.User, m.creds.Password, dbname)
}

// get returns a pooled connection, creating it on first use
func (m *Manager) get(t Target) (*conn, error) {
	key := fmt.Sprintf("%d/%s", t.InstanceID, t.Schema)
	if c, ok := m.pool.Load(key); ok {
		return c.(*conn), nil
	}

	var dialector gorm.Dialector
	var driverName, dsn string
	switch t.DBType {
	case model.DBTypeMySQL, model.DBTypeTiDB:
		dsn = m.mysqlDSN(t)
		dialector = mysql.Open(dsn)
		driverName = "mysql"
	case model.DBTypePostgres:
		dsn = m.postgresDSN(t)
		dialector = postgres.Open(dsn)
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t.DBType)
	}

	orm, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", t.Host, t.Port, err)
	}
	// 导出走原生连接逐行读取
	raw, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open raw connection %s:%d: %w", t.Host, t.Port, err)
	}
	raw.SetMaxOpenConns(4)

	c := &conn{orm: orm, raw: raw}
	if actual, loaded := m.pool.LoadOrStore(key, c); loaded {
		closeConn(c)
		return actual.(*conn), nil
	}
	m.logger.WithFields(logrus.Fields{"instance_id": t.InstanceID, "schema": t.Schema}).Debug("Opened target connection")
	return c, nil
}

func closeConn(c *conn) {
	if sqlDB, err := c.orm.DB(); err == nil {
		sqlDB.Close()
	}
	c.raw.Close()
}

// Close closes every pooled connection
func (m *Manager) Close() {
	m.pool.Range(func(key, value any) bool {
		closeConn(value.(*conn))
		m.pool.Delete(key)
		return true
	})
}

// Exec implements Runner
func (m *Manager) Exec(ctx context.Context, t Target, stmt string) (int64, error) {
	c, err := m.get(t)
	if err != nil {
		return 0, err
	}
	res := c.orm.WithContext(ctx).Exec(stmt)
	if res.Error != nil {
		return 0, describe(res.Error)
	}
	return res.RowsAffected, nil
}

// Export implements Runner
func (m *Manager) Export(ctx context.Context, t Target, stmt string, w io.Writer) (int64, error) {
	c, err := m.get(t)
	if err != nil {
		return 0, err
	}
	return exportQuery(ctx, c.raw, stmt, w)
}

// exportQuery runs stmt inside a read-only transaction that is always rolled back
func exportQuery(ctx context.Context, db *sql.DB, stmt string, w io.Writer) (int64, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return 0, describe(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, stmt)
	if err != nil {
		return 0, describe(err)
	}
	defer rows.Close()
	return WriteCSV(rows, w)
}

// WriteCSV streams rows as CSV with a header line
func WriteCSV(rows *sql.Rows, w io.Writer) (int64, error) {
	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return 0, err
	}

	values := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	record := make([]string, len(cols))

	var n int64
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return n, describe(err)
		}
		for i, v := range values {
			record[i] = string(v)
		}
		if err := cw.Write(record); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, describe(err)
	}
	cw.Flush()
	return n, cw.Error()
}

// Estimate implements Runner
func (m *Manager) Estimate(ctx context.Context, t Target, stmt string) (int64, error) {
	c, err := m.get(t)
	if err != nil {
		return 0, err
	}
	switch t.DBType {
	case model.DBTypePostgres:
		return estimatePostgres(ctx, c.orm, stmt)
	default:
		return estimateMySQL(ctx, c.orm, stmt)
	}
}

// estimateMySQL sums the rows column of EXPLAIN (estRows on TiDB)
func estimateMySQL(ctx context.Context, db *gorm.DB, stmt string) (int64, error) {
	rows, err := db.WithContext(ctx).Raw("EXPLAIN " + stmt).Rows()
	if err != nil {
		return 0, describe(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	idx := -1
	for i, col := range cols {
		if strings.EqualFold(col, "rows") || strings.EqualFold(col, "estRows") {
			idx = i
		}
	}
	if idx < 0 {
		return 0, nil
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	var total int64
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return 0, describe(err)
		}
		if !values[idx].Valid {
			continue
		}
		if f, err := strconv.ParseFloat(values[idx].String, 64); err == nil {
			total += int64(f)
		}
	}
	return total, describe(rows.Err())
}

func estimatePostgres(ctx context.Context, db *gorm.DB, stmt string) (int64, error) {
	var plan string
	if err := db.WithContext(ctx).Raw("EXPLAIN (FORMAT JSON) " + stmt).Row().Scan(&plan); err != nil {
		return 0, describe(err)
	}
	var parsed []struct {
		Plan struct {
			PlanRows float64 `json:"Plan Rows"`
		} `json:"Plan"`
	}
	if err := json.Unmarshal([]byte(plan), &parsed); err != nil {
		return 0, fmt.Errorf("parse explain output: %w", err)
	}
	if len(parsed) == 0 {
		return 0, nil
	}
	return int64(parsed[0].Plan.PlanRows), nil
}

var ignoredSchemas = map[string]bool{
	"information_schema": true,
	"performance_schema": true,
	"mysql":              true,
	"sys":                true,
	"metrics_schema":     true,
	"postgres":           true,
	"template0":          true,
	"template1":          true,
}

// IsSystemSchema reports whether name is a built-in schema never offered for changes
func IsSystemSchema(name string) bool {
	return ignoredSchemas[strings.ToLower(name)]
}

// ListSchemas implements Runner
func (m *Manager) ListSchemas(ctx context.Context, t Target) ([]string, error) {
	t.Schema = ""
	c, err := m.get(t)
	if err != nil {
		return nil, err
	}

	query := "SHOW DATABASES"
	if t.DBType == model.DBTypePostgres {
		query = "SELECT datname FROM pg_database WHERE datistemplate = false"
	}

	var names []string
	if err := c.orm.WithContext(ctx).Raw(query).Scan(&names).Error; err != nil {
		return nil, describe(err)
	}
	out := names[:0]
	for _, name := range names {
		if !IsSystemSchema(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// describe turns driver errors into the message shown on a task
func describe(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return fmt.Errorf("[%d] %s", myErr.Number, myErr.Message)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("[%s] %s", pqErr.Code, pqErr.Message)
	}
	return err
}
