package source

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseOptions configures the analytical store connection.
type ClickHouseOptions struct {
	Addr        string
	Database    string
	User        string
	Password    string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// ClickHouseSource aggregates raw features from the dbt_mart transaction marts.
type ClickHouseSource struct {
	db       *sql.DB
	database string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewClickHouseSource opens a database/sql handle through clickhouse-go.
// The connection is lazy; call Ping to verify it.
func NewClickHouseSource(opts ClickHouseOptions) (*ClickHouseSource, error) {
	if !identRe.MatchString(opts.Database) {
		return nil, fmt.Errorf("invalid clickhouse database name %q", opts.Database)
	}
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		DialTimeout: opts.DialTimeout,
		ReadTimeout: opts.ReadTimeout,
		Settings: clickhouse.Settings{
			"join_use_nulls": 1,
		},
	})
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &ClickHouseSource{db: db, database: opts.Database}, nil
}

// NewClickHouseSourceFromDB wraps an existing handle.
func NewClickHouseSourceFromDB(db *sql.DB, database string) *ClickHouseSource {
	return &ClickHouseSource{db: db, database: database}
}

// Close releases the connection pool.
func (s *ClickHouseSource) Close() error {
	return s.db.Close()
}

func (s *ClickHouseSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseSource) FetchBatch(ctx context.Context, w Windows) ([]Row, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	q := batchQuery(s.database)
	rows, err := s.db.QueryContext(ctx, q, w.ActiveDays, w.FeatureDays, w.FeatureDays)
	if err != nil {
		return nil, fmt.Errorf("clickhouse batch query: %w", err)
	}
	return scanRows(rows)
}

func (s *ClickHouseSource) FetchOne(ctx context.Context, identity string, featureDays int) (Row, bool, error) {
	id := NormalizeIdentity(identity)
	if id == "" {
		return nil, false, ErrEmptyIdentity
	}
	if featureDays <= 0 {
		return nil, false, fmt.Errorf("feature window must be positive, got %d", featureDays)
	}

	rows, err := s.db.QueryContext(ctx, userQuery(s.database), featureDays, id, featureDays, id)
	if err != nil {
		return nil, false, fmt.Errorf("clickhouse user query: %w", err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, false, err
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return out[0], true, nil
}

// merchantAggregates are the per-user aggregates over merchant transactions.
// The caller supplies the WHERE clause.
const merchantAggregates = `
        SELECT
            lower(trim(user_email)) AS user_email,
            countIf(transaction_type = 'SALE') AS n_sales,
            countIf(transaction_type = 'SALE' AND transaction_status = 'DECLINED') AS n_declines,
            if(n_sales > 0, n_declines / n_sales, 0) AS decline_ratio,
            avgIf(amount, transaction_type = 'SALE') AS avg_sale_amount,
            maxIf(amount, transaction_type = 'SALE') AS max_sale_amount,
            minIf(amount, transaction_type = 'SALE') AS min_sale_amount,
            uniqIf(event_date, transaction_type = 'SALE') AS n_active_days,
            if(n_sales > 0, n_active_days / n_sales, 0) AS sales_density,
            minIf(event_date, transaction_type = 'SALE') AS min_sale_date,
            uniq(source_country) AS unique_countries,
            uniq(card_brand) AS unique_card_brands,
            uniq(gateway) AS unique_gateways,
            uniq(mid) AS unique_mids,
            uniq(site_name) AS unique_sites,
            uniq(project) AS unique_projects,
            countIf(transaction_sub_type = 'trial') AS n_trials,
            countIf(transaction_sub_type = 'rebill') AS n_rebills,
            countIf(transaction_sub_type = 'upgrade') AS n_upgrades,
            countIf(transaction_sub_type = 'conversion') AS n_conversions,
            countIf(transaction_sub_type = 'onetime') AS n_onetime,
            uniq(site_name) > 3 AS multi_site_flag,
            uniq(project) > 2 AS multi_project_flag,
            countIf(bin_country != source_country) > 0 AS geo_mismatch_any,
            anyHeavy(attraction_affiliate_username) AS main_affiliate,
            uniq(attraction_affiliate_username) AS unique_affiliates
        FROM %[1]s.dim_merchant_transactions
        WHERE transaction_type = 'SALE'
            AND is_test = 0
            AND project != 'adxad'
            AND user_email != ''
            AND event_date >= today() - ?
            AND %[2]s
        GROUP BY user_email`

// memberAggregates are the per-user aggregates over paysite member events.
const memberAggregates = `
        SELECT
            lower(trim(member_email)) AS user_email,
            uniq(member_id) AS n_members,
            count(*) AS n_dc_events,
            min(attraction_date) AS first_reg_date,
            max(attraction_date) AS last_reg_date,
            uniq(attraction_date) AS n_reg_dates,
            uniq(member_id) / uniq(attraction_date) AS members_per_regdate,
            anyHeavy(device_type) AS device_type,
            anyHeavy(os) AS os,
            anyHeavy(channel) AS channel,
            avg(is_cross) AS cross_ratio
        FROM %[1]s.dim_client_paysites_member_transactions
        WHERE trans_type IN ('initial', 'onetime', 'rebill', 'trial', 'conversion')
            AND member_email != ''
            AND attraction_date >= today() - ?
            AND %[2]s
        GROUP BY user_email`

const joinFeatures = `
    SELECT
        coalesce(dm.user_email, dc.user_email) AS user_email,
        dm.* EXCEPT user_email,
        dc.* EXCEPT user_email
    FROM dm_features dm
    LEFT JOIN dc_features dc ON dm.user_email = dc.user_email`

// batchQuery selects users with a SALE in the active window, then aggregates
// their history over the feature window. Args: activeDays, featureDays,
// featureDays.
func batchQuery(database string) string {
	return fmt.Sprintf(`
    WITH
    active_users AS (
        SELECT DISTINCT lower(trim(user_email)) AS user_email
        FROM %[1]s.dim_merchant_transactions
        WHERE event_date >= today() - ?
            AND transaction_type = 'SALE'
            AND is_test = 0
            AND project != 'adxad'
            AND user_email != ''
    ),
    dm_features AS (%[2]s),
    dc_features AS (%[3]s)
    %[4]s
    ORDER BY user_email`,
		database,
		fmt.Sprintf(merchantAggregates, database, "lower(trim(user_email)) IN (SELECT user_email FROM active_users)"),
		fmt.Sprintf(memberAggregates, database, "lower(trim(member_email)) IN (SELECT user_email FROM active_users)"),
		joinFeatures,
	)
}

// userQuery aggregates one identity over the feature window. Args:
// featureDays, identity, featureDays, identity.
func userQuery(database string) string {
	return fmt.Sprintf(`
    WITH
    dm_features AS (%[1]s),
    dc_features AS (%[2]s)
    %[3]s
    LIMIT 1`,
		fmt.Sprintf(merchantAggregates, database, "lower(trim(user_email)) = ?"),
		fmt.Sprintf(memberAggregates, database, "lower(trim(member_email)) = ?"),
		joinFeatures,
	)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			r[c] = normalizeValue(values[i])
		}
		r[IdentityColumn] = r.Identity()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// normalizeValue flattens driver values to plain scalars: pointers are
// dereferenced, byte slices become strings and named numeric types collapse
// to their base kind. Anything else passes through unchanged.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case string, bool, float64, float32, int64, int32, int16, int8, int,
		uint64, uint32, uint16, uint8, uint, time.Time:
		return x
	case fmt.Stringer:
		// decimals and big numbers
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return nil
			}
			return normalizeValue(rv.Elem().Interface())
		}
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return normalizeValue(rv.Elem().Interface())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	}
	return v
}
