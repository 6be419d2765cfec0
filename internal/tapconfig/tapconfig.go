// Package tapconfig loads the tap's configuration and builds PostgreSQL
// connections from it. Config loading is grounded on the pack's
// xataio-pgroll CLI (viper-based single-file config with env-var override);
// connection-string construction and OID type-map registration are grounded
// on the teacher's ConnectReplication (services/anchor/.../postgres/replication.go).
package tapconfig

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
)

// dateTimeOIDs are the scalar and array OIDs that dates_as_string forces to
// the text codec, per spec.md §4.F: 1082 date, 1114 timestamp, 1184
// timestamptz, and their array variants 1182/1115/1185.
var dateTimeOIDs = []uint32{1082, 1114, 1184, 1182, 1115, 1185}

const defaultApplicationName = "tap_postgres"

// Config is the tap's recognized configuration, per spec.md §4.F.
type Config struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	User            string   `mapstructure:"user"`
	Password        string   `mapstructure:"password"`
	Database        string   `mapstructure:"database"`
	DatesAsString   bool     `mapstructure:"dates_as_string"`
	FilterSchemas   []string `mapstructure:"filter_schemas"`
	MaxRecordCount  int      `mapstructure:"max_record_count"`
	ApplicationName string   `mapstructure:"application_name"`
	SSLMode         string   `mapstructure:"sslmode"`
}

// Load reads the config file at path through viper, which also honors
// TAP_POSTGRES_-prefixed environment variable overrides for the keys that
// appear in the file or have a default; an environment variable for a key
// absent from both is not picked up.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TAP_POSTGRES")
	v.AutomaticEnv()
	v.SetDefault("application_name", defaultApplicationName)
	v.SetDefault("sslmode", "prefer")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("tapconfig: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("tapconfig: unmarshaling: %w", err)
	}
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = defaultApplicationName
	}
	return cfg, nil
}

// Snapshot returns a value copy of c, safe to hand to a long-running stream
// so later mutation of a live config (e.g. by a concurrently-discovering
// caller) can't leak into an in-flight run.
func (c Config) Snapshot() Config {
	snap := c
	snap.FilterSchemas = append([]string(nil), c.FilterSchemas...)
	return snap
}

// ConnString builds a libpq connection string from c's coordinates.
func (c Config) ConnString() string {
	return fmt.Sprintf("dbname=%s user=%s password=%s host=%s port=%d application_name=%s sslmode=%s",
		c.Database, c.User, c.Password, c.Host, c.Port, c.ApplicationName, c.SSLMode)
}

// URLConnString builds a postgresql:// URL form, used where a pgxpool.Config
// parser is handed a URL rather than libpq key=value pairs.
func (c Config) URLConnString() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?application_name=%s&sslmode=%s",
		c.User, url.QueryEscape(c.Password), c.Host, c.Port, c.Database,
		url.QueryEscape(c.ApplicationName), c.SSLMode)
}

// Pool builds a pgxpool.Pool for query/discovery use. When DatesAsString is
// set, every connection in the pool registers the text-codec override for
// dateTimeOIDs via AfterConnect — scoped to this pool's connections, not a
// process-wide registration, per spec.md §9's "global registration of custom
// type casters" design note.
func Pool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(c.URLConnString())
	if err != nil {
		return nil, fmt.Errorf("tapconfig: parsing pool config: %w", err)
	}

	if c.DatesAsString {
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			registerTextCodecs(conn.TypeMap())
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("tapconfig: connecting pool: %w", err)
	}
	return pool, nil
}

func registerTextCodecs(tm *pgtype.Map) {
	for _, oid := range dateTimeOIDs {
		if t, ok := tm.TypeForOID(oid); ok {
			tm.RegisterType(&pgtype.Type{Name: t.Name, OID: oid, Codec: pgtype.TextCodec{}})
		}
	}
}
