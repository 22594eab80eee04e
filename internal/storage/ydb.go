package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/ydb-platform/ydb-go-sdk/v3"
	"github.com/ydb-platform/ydb-go-sdk/v3/table"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result/named"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"
	"go.uber.org/zap"

	"github.com/cluster-load-driver/cld/internal/config"
	"github.com/cluster-load-driver/cld/internal/logging"
	"github.com/cluster-load-driver/cld/internal/workload"
)

// YDBStore runs the probe workload against a YDB cluster. The probe table
// lives under <database>/<target.database>/<target.collection>; queries are
// rendered once at construction for the configured topology.
type YDBStore struct {
	driver   *ydb.Driver
	logger   logging.Logger
	topology workload.Topology
	prefix   string
	table    string

	findQuery   string
	insertQuery string
	updateQuery string
	countQuery  string
}

// NewYDBStore connects to YDB. The session pool is capped at the configured
// max pool size so the driver cannot open more concurrent sessions than the
// operator allowed.
func NewYDBStore(ctx context.Context, cfg config.TargetConfig, topology workload.Topology, logger logging.Logger) (*YDBStore, error) {
	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	driver, err := ydb.Open(connectCtx, cfg.URI,
		ydb.WithSessionPoolSizeLimit(cfg.MaxPoolSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to YDB: %w", err)
	}

	prefix := path.Join(driver.Name(), cfg.Database)
	s := &YDBStore{
		driver:   driver,
		logger:   logger,
		topology: topology,
		prefix:   prefix,
		table:    cfg.Collection,

		findQuery:   renderFindQuery(prefix, cfg.Collection, topology),
		insertQuery: renderInsertQuery(prefix, cfg.Collection),
		updateQuery: renderUpdateQuery(prefix, cfg.Collection, topology),
		countQuery:  renderCountQuery(prefix, cfg.Collection),
	}

	logger.Info(ctx, "connected to YDB",
		zap.String("endpoint", cfg.URI),
		zap.String("database", driver.Name()),
		zap.String("table_path", s.tablePath()),
		zap.String("topology", string(topology)),
		zap.Int("max_pool_size", cfg.MaxPoolSize))

	return s, nil
}

func (s *YDBStore) tablePath() string {
	return path.Join(s.prefix, s.table)
}

// FindOne reports whether a document with the given key exists.
func (s *YDBStore) FindOne(ctx context.Context, key workload.DocumentKey) (bool, error) {
	var found bool
	err := s.driver.Table().Do(ctx, func(ctx context.Context, sess table.Session) error {
		_, res, err := sess.Execute(ctx, table.DefaultTxControl(), s.findQuery, s.keyParams(key))
		if err != nil {
			return err
		}
		defer res.Close()
		found = res.NextResultSet(ctx) && res.NextRow()
		return res.Err()
	}, table.WithIdempotent())
	if err != nil {
		return false, s.wrapErr("find", key.ID, err)
	}
	return found, nil
}

// InsertOne upserts a single document.
func (s *YDBStore) InsertOne(ctx context.Context, doc *workload.Document) error {
	params := table.NewQueryParameters(
		table.ValueParam("$id", types.TextValue(doc.Key.ID)),
		table.ValueParam("$location", types.TextValue(doc.Key.Location)),
		table.ValueParam("$ts", types.TimestampValueFromTime(doc.TS)),
		table.ValueParam("$n", types.Int64Value(doc.N)),
		table.ValueParam("$v", types.TextValue(doc.V)),
		table.ValueParam("$profile", types.JSONDocumentValue(profileJSON(doc.Profile))),
	)
	err := s.driver.Table().Do(ctx, func(ctx context.Context, sess table.Session) error {
		_, res, err := sess.Execute(ctx, table.DefaultTxControl(), s.insertQuery, params)
		if err != nil {
			return err
		}
		return res.Close()
	}, table.WithIdempotent())
	if err != nil {
		return s.wrapErr("insert", doc.Key.ID, err)
	}
	return nil
}

// InsertBatch writes a whole batch through the bulk upsert path, which skips
// the transaction machinery and is the fast lane for preloading.
func (s *YDBStore) InsertBatch(ctx context.Context, docs []*workload.Document) error {
	if len(docs) == 0 {
		return nil
	}
	rows := make([]types.Value, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, types.StructValue(
			types.StructFieldValue("id", types.TextValue(doc.Key.ID)),
			types.StructFieldValue("location", types.TextValue(doc.Key.Location)),
			types.StructFieldValue("ts", types.TimestampValueFromTime(doc.TS)),
			types.StructFieldValue("n", types.Int64Value(doc.N)),
			types.StructFieldValue("v", types.TextValue(doc.V)),
			types.StructFieldValue("profile", types.JSONDocumentValue(profileJSON(doc.Profile))),
		))
	}
	err := s.driver.Table().Do(ctx, func(ctx context.Context, sess table.Session) error {
		return sess.BulkUpsert(ctx, s.tablePath(), types.ListValue(rows...))
	}, table.WithIdempotent())
	if err != nil {
		return s.wrapErr("insert_batch", "", err)
	}
	return nil
}

// UpdateOne bumps the document's update counter and refreshes its timestamp
// in one query; an absent key gets a fresh row with n=1. The increment is
// not idempotent, so retries are left to the default policy.
func (s *YDBStore) UpdateOne(ctx context.Context, key workload.DocumentKey, ts time.Time) error {
	params := s.keyParamsWith(key, table.ValueParam("$ts", types.TimestampValueFromTime(ts)))
	err := s.driver.Table().Do(ctx, func(ctx context.Context, sess table.Session) error {
		_, res, err := sess.Execute(ctx, table.DefaultTxControl(), s.updateQuery, params)
		if err != nil {
			return err
		}
		return res.Close()
	})
	if err != nil {
		return s.wrapErr("update", key.ID, err)
	}
	return nil
}

// Count returns the number of documents in the probe table.
func (s *YDBStore) Count(ctx context.Context) (int64, error) {
	var count uint64
	err := s.driver.Table().Do(ctx, func(ctx context.Context, sess table.Session) error {
		_, res, err := sess.Execute(ctx, table.DefaultTxControl(), s.countQuery, nil)
		if err != nil {
			return err
		}
		defer res.Close()
		if !res.NextResultSet(ctx) || !res.NextRow() {
			return fmt.Errorf("count query returned no rows")
		}
		if err := res.ScanNamed(named.Required("cnt", &count)); err != nil {
			return err
		}
		return res.Err()
	}, table.WithIdempotent())
	if err != nil {
		return 0, s.wrapErr("count", "", err)
	}
	return int64(count), nil
}

// Ping runs a trivial query through the session pool, exercising the same
// path workload operations take.
func (s *YDBStore) Ping(ctx context.Context) error {
	err := s.driver.Table().Do(ctx, func(ctx context.Context, sess table.Session) error {
		_, res, err := sess.Execute(ctx, table.DefaultTxControl(), "SELECT 1;", nil)
		if err != nil {
			return err
		}
		return res.Close()
	}, table.WithIdempotent())
	if err != nil {
		return s.wrapErr("ping", "", err)
	}
	return nil
}

// Close shuts down the driver. Safe to call on a zero-value store.
func (s *YDBStore) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// EnsureSchema creates the probe table when it does not exist. Callers treat
// failures as non-fatal; the cluster may manage schema elsewhere.
func (s *YDBStore) EnsureSchema(ctx context.Context) error {
	return s.driver.Table().Do(ctx, func(ctx context.Context, sess table.Session) error {
		if _, err := sess.DescribeTable(ctx, s.tablePath()); err == nil {
			return nil
		}
		_ = s.driver.Scheme().MakeDirectory(ctx, s.prefix)
		return sess.ExecuteSchemeQuery(ctx, renderCreateTableQuery(s.prefix, s.table, s.topology))
	})
}

// LogTableInfo describes the probe table and logs its shape, best effort.
func (s *YDBStore) LogTableInfo(ctx context.Context) {
	err := s.driver.Table().Do(ctx, func(ctx context.Context, sess table.Session) error {
		desc, err := sess.DescribeTable(ctx, s.tablePath())
		if err != nil {
			return err
		}
		columns := make([]string, 0, len(desc.Columns))
		for _, col := range desc.Columns {
			columns = append(columns, col.Name)
		}
		s.logger.Info(ctx, "probe table described",
			zap.String("path", s.tablePath()),
			zap.Strings("columns", columns),
			zap.Strings("primary_key", desc.PrimaryKey))
		return nil
	}, table.WithIdempotent())
	if err != nil {
		s.logger.Warn(ctx, "probe table not described", zap.Error(err))
	}
}

func (s *YDBStore) keyParams(key workload.DocumentKey) *table.QueryParameters {
	return s.keyParamsWith(key)
}

func (s *YDBStore) keyParamsWith(key workload.DocumentKey, extra ...table.ParameterOption) *table.QueryParameters {
	opts := []table.ParameterOption{
		table.ValueParam("$id", types.TextValue(key.ID)),
	}
	if s.topology == workload.TopologyGeosharded {
		opts = append(opts, table.ValueParam("$location", types.TextValue(key.Location)))
	}
	return table.NewQueryParameters(append(opts, extra...)...)
}

func (s *YDBStore) wrapErr(op, key string, err error) error {
	return &StorageError{
		Op:        op,
		Key:       key,
		Transient: ydb.IsTransportError(err) || ydb.IsTimeoutError(err),
		Err:       err,
	}
}

func profileJSON(p *workload.Profile) string {
	if p == nil {
		return "{}"
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// renderFindQuery builds the point lookup for the topology's key shape.
// Geosharded tables key on (location, id), so the lookup carries both.
func renderFindQuery(prefix, tableName string, topology workload.Topology) string {
	if topology == workload.TopologyGeosharded {
		return fmt.Sprintf(`PRAGMA TablePathPrefix(%q);
DECLARE $id AS Utf8;
DECLARE $location AS Utf8;
SELECT id FROM `+"`%s`"+` WHERE location = $location AND id = $id;`, prefix, tableName)
	}
	return fmt.Sprintf(`PRAGMA TablePathPrefix(%q);
DECLARE $id AS Utf8;
SELECT id FROM `+"`%s`"+` WHERE id = $id;`, prefix, tableName)
}

func renderInsertQuery(prefix, tableName string) string {
	return fmt.Sprintf(`PRAGMA TablePathPrefix(%q);
DECLARE $id AS Utf8;
DECLARE $location AS Utf8;
DECLARE $ts AS Timestamp;
DECLARE $n AS Int64;
DECLARE $v AS Utf8;
DECLARE $profile AS JsonDocument;
UPSERT INTO `+"`%s`"+` (id, location, ts, n, v, profile)
VALUES ($id, $location, $ts, $n, $v, $profile);`, prefix, tableName)
}

// renderUpdateQuery builds the increment-or-create upsert. The aggregate
// subquery yields exactly one row even when the key is absent, so the same
// statement covers both cases.
func renderUpdateQuery(prefix, tableName string, topology workload.Topology) string {
	if topology == workload.TopologyGeosharded {
		return fmt.Sprintf(`PRAGMA TablePathPrefix(%q);
DECLARE $id AS Utf8;
DECLARE $location AS Utf8;
DECLARE $ts AS Timestamp;
UPSERT INTO `+"`%s`"+` (location, id, ts, n)
SELECT $location AS location, $id AS id, $ts AS ts, COALESCE(MAX(n), 0) + 1 AS n
FROM `+"`%s`"+` WHERE location = $location AND id = $id;`, prefix, tableName, tableName)
	}
	return fmt.Sprintf(`PRAGMA TablePathPrefix(%q);
DECLARE $id AS Utf8;
DECLARE $ts AS Timestamp;
UPSERT INTO `+"`%s`"+` (id, ts, n)
SELECT $id AS id, $ts AS ts, COALESCE(MAX(n), 0) + 1 AS n
FROM `+"`%s`"+` WHERE id = $id;`, prefix, tableName, tableName)
}

func renderCountQuery(prefix, tableName string) string {
	return fmt.Sprintf(`PRAGMA TablePathPrefix(%q);
SELECT COUNT(*) AS cnt FROM `+"`%s`"+`;`, prefix, tableName)
}

// renderCreateTableQuery builds the topology-appropriate schema: a plain id
// key for replica sets, load-split partitioning for sharded clusters, and a
// (location, id) compound key for geosharded ones.
func renderCreateTableQuery(prefix, tableName string, topology workload.Topology) string {
	primaryKey := "PRIMARY KEY (id)"
	suffix := ""
	switch topology {
	case workload.TopologyGeosharded:
		primaryKey = "PRIMARY KEY (location, id)"
	case workload.TopologySharded:
		suffix = "\nWITH (AUTO_PARTITIONING_BY_LOAD = ENABLED)"
	}
	return fmt.Sprintf(`PRAGMA TablePathPrefix(%q);
CREATE TABLE `+"`%s`"+` (
    id Utf8,
    location Utf8,
    ts Timestamp,
    n Int64,
    v Utf8,
    profile JsonDocument,
    %s
)%s;`, prefix, tableName, primaryKey, suffix)
}
