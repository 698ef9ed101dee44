package database

// schemas maps database names to the DDL applied by Migrate.
// All timestamps are stored as unix seconds (UTC) in INTEGER columns.
var schemas = map[string]string{
	"market": marketSchema,
	"jobs":   jobsSchema,
	"cache":  cacheSchema,
}

// marketSchema holds the symbol registry, the layered bar store and the
// per-(symbol, timeframe) coverage ledger.
const marketSchema = `
CREATE TABLE IF NOT EXISTS symbols (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ticker      TEXT NOT NULL UNIQUE,
	asset_type  TEXT NOT NULL DEFAULT 'equity',
	description TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bars (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol_id        INTEGER NOT NULL REFERENCES symbols(id),
	timeframe        TEXT NOT NULL,
	ts               INTEGER NOT NULL,
	open             REAL NOT NULL,
	high             REAL NOT NULL,
	low              REAL NOT NULL,
	close            REAL NOT NULL,
	volume           INTEGER NOT NULL DEFAULT 0,
	provider         TEXT NOT NULL,
	is_intraday      INTEGER NOT NULL DEFAULT 0,
	is_forecast      INTEGER NOT NULL DEFAULT 0,
	data_status      TEXT NOT NULL DEFAULT 'verified',
	confidence_score REAL,
	upper_band       REAL,
	lower_band       REAL,
	fetched_at       INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	UNIQUE (symbol_id, timeframe, ts, provider, is_forecast)
);

CREATE INDEX IF NOT EXISTS idx_bars_symbol_tf_ts ON bars(symbol_id, timeframe, ts);
CREATE INDEX IF NOT EXISTS idx_bars_provider ON bars(provider, timeframe, ts);

CREATE TABLE IF NOT EXISTS coverage_status (
	symbol            TEXT NOT NULL,
	timeframe         TEXT NOT NULL,
	from_ts           INTEGER NOT NULL,
	to_ts             INTEGER NOT NULL,
	last_success_at   INTEGER NOT NULL,
	last_rows_written INTEGER NOT NULL DEFAULT 0,
	last_provider     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (symbol, timeframe)
);
`

// jobsSchema holds the job catalog, the run queue, the durable rate buckets,
// provider fetch checkpoints and user symbol tracking.
const jobsSchema = `
CREATE TABLE IF NOT EXISTS job_definitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol      TEXT NOT NULL,
	symbol_id   INTEGER NOT NULL DEFAULT 0,
	timeframe   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	window_days INTEGER NOT NULL,
	priority    INTEGER NOT NULL DEFAULT 100,
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	UNIQUE (symbol, timeframe, kind)
);

CREATE INDEX IF NOT EXISTS idx_job_defs_enabled ON job_definitions(enabled, priority DESC);

CREATE TABLE IF NOT EXISTS job_runs (
	id            TEXT PRIMARY KEY,
	job_def_id    INTEGER NOT NULL,
	symbol        TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	kind          TEXT NOT NULL,
	slice_from    INTEGER NOT NULL,
	slice_to      INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'queued',
	attempt       INTEGER NOT NULL DEFAULT 1,
	rows_written  INTEGER NOT NULL DEFAULT 0,
	provider      TEXT NOT NULL DEFAULT '',
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	triggered_by  TEXT NOT NULL DEFAULT '',
	idx_hash      TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	finished_at   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_job_runs_claim ON job_runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_job_runs_dedup ON job_runs(idx_hash, status);
CREATE INDEX IF NOT EXISTS idx_job_runs_started ON job_runs(status, started_at);

CREATE TABLE IF NOT EXISTS rate_buckets (
	provider          TEXT PRIMARY KEY,
	capacity          REAL NOT NULL,
	refill_per_minute REAL NOT NULL,
	tokens            REAL NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_checkpoints (
	provider   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	timeframe  TEXT NOT NULL,
	last_ts    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (provider, symbol, timeframe)
);

CREATE TABLE IF NOT EXISTS user_tracking (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol        TEXT NOT NULL,
	source        TEXT NOT NULL,
	first_seen_at INTEGER NOT NULL,
	last_seen_at  INTEGER NOT NULL,
	UNIQUE (symbol, source)
);
`

// cacheSchema holds the msgpack-encoded API response cache.
const cacheSchema = `
CREATE TABLE IF NOT EXISTS api_cache (
	cache_key  TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_cache_expires ON api_cache(expires_at);
`
