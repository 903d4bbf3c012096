package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/ngrok/sqlmw"
	"github.com/prometheus/client_golang/prometheus"
)

const instrumentedDriverName = "pgx-docpipe"

var (
	verbRegex = regexp.MustCompile(`^\s*(\w+)`)

	dbOpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "docpipe",
		Subsystem: "store",
		Name:      "op_duration_seconds",
		Help:      "Time spent on a database operation",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"op", "verb"})

	dbOpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docpipe",
		Subsystem: "store",
		Name:      "op_errors_total",
		Help:      "Number of failed database operations",
	}, []string{"op"})

	registerDriver sync.Once
)

func init() {
	prometheus.MustRegister(dbOpLatency, dbOpErrors)
}

// instrumentedDriver registers the pgx driver wrapped with the metric
// interceptor and returns its name for sql.Open.
func instrumentedDriver() string {
	registerDriver.Do(func() {
		sql.Register(instrumentedDriverName, sqlmw.Driver(stdlib.GetDefaultDriver(), &metricInterceptor{}))
	})
	return instrumentedDriverName
}

type metricInterceptor struct {
	sqlmw.NullInterceptor
}

func (mi *metricInterceptor) ConnBeginTx(ctx context.Context, conn driver.ConnBeginTx, opts driver.TxOptions) (context.Context, driver.Tx, error) {
	start := time.Now()
	tx, err := conn.BeginTx(ctx, opts)
	mi.measure("begin", "begin", start, err)
	return ctx, tx, err
}

func (mi *metricInterceptor) ConnExecContext(ctx context.Context, conn driver.ExecerContext, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	res, err := conn.ExecContext(ctx, query, args)
	mi.measure("exec", verb(query), start, err)
	return res, err
}

func (mi *metricInterceptor) ConnQueryContext(ctx context.Context, conn driver.QueryerContext, query string, args []driver.NamedValue) (context.Context, driver.Rows, error) {
	start := time.Now()
	rows, err := conn.QueryContext(ctx, query, args)
	mi.measure("query", verb(query), start, err)
	return ctx, rows, err
}

func (mi *metricInterceptor) StmtExecContext(ctx context.Context, conn driver.StmtExecContext, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	res, err := conn.ExecContext(ctx, args)
	mi.measure("stmt_exec", verb(query), start, err)
	return res, err
}

func (mi *metricInterceptor) StmtQueryContext(ctx context.Context, conn driver.StmtQueryContext, query string, args []driver.NamedValue) (context.Context, driver.Rows, error) {
	start := time.Now()
	rows, err := conn.QueryContext(ctx, args)
	mi.measure("stmt_query", verb(query), start, err)
	return ctx, rows, err
}

func (mi *metricInterceptor) TxCommit(ctx context.Context, conn driver.Tx) error {
	start := time.Now()
	err := conn.Commit()
	mi.measure("commit", "commit", start, err)
	return err
}

func (mi *metricInterceptor) TxRollback(ctx context.Context, conn driver.Tx) error {
	start := time.Now()
	err := conn.Rollback()
	mi.measure("rollback", "rollback", start, err)
	return err
}

func (mi *metricInterceptor) measure(op, verb string, start time.Time, err error) {
	dbOpLatency.WithLabelValues(op, verb).Observe(time.Since(start).Seconds())
	if err != nil && err != driver.ErrSkip {
		dbOpErrors.WithLabelValues(op).Inc()
	}
}

// verb is the lower cased leading keyword of query, "other" when there is none.
func verb(query string) string {
	m := verbRegex.FindStringSubmatch(query)
	if len(m) < 2 {
		return "other"
	}
	return strings.ToLower(m[1])
}
