package database

const postgresSchema = `
CREATE TABLE IF NOT EXISTS categories (
	id          BIGSERIAL PRIMARY KEY,
	provider    TEXT NOT NULL,
	name        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider, name)
);

CREATE TABLE IF NOT EXISTS products (
	id               BIGSERIAL PRIMARY KEY,
	provider         TEXT NOT NULL,
	category_id      BIGINT NOT NULL REFERENCES categories(id),
	rank             INTEGER NOT NULL,
	title            TEXT NOT NULL,
	price_cents      BIGINT NOT NULL CHECK (price_cents >= 0),
	old_price_cents  BIGINT,
	discount_label   TEXT,
	link             TEXT NOT NULL,
	image            TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	first_seen_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider, link)
);

CREATE INDEX IF NOT EXISTS idx_products_category_rank ON products (category_id, rank);

CREATE TABLE IF NOT EXISTS outbox_event (
	id              UUID PRIMARY KEY,
	aggregate_type  TEXT NOT NULL CHECK (aggregate_type <> ''),
	aggregate_id    TEXT NOT NULL,
	provider        TEXT NOT NULL DEFAULT '',
	event_type      TEXT NOT NULL CHECK (event_type <> ''),
	payload         JSONB NOT NULL,
	target_stream   TEXT NOT NULL,
	status          TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	processed_at    TIMESTAMPTZ,
	next_retry_at   TIMESTAMPTZ
);

ALTER TABLE outbox_event ADD COLUMN IF NOT EXISTS provider TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_outbox_event_pending ON outbox_event (status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_outbox_event_provider ON outbox_event (provider, status);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS categories (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	provider    TEXT NOT NULL,
	name        TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (provider, name)
);

CREATE TABLE IF NOT EXISTS products (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	provider         TEXT NOT NULL,
	category_id      INTEGER NOT NULL REFERENCES categories(id),
	rank             INTEGER NOT NULL,
	title            TEXT NOT NULL,
	price_cents      INTEGER NOT NULL CHECK (price_cents >= 0),
	old_price_cents  INTEGER,
	discount_label   TEXT,
	link             TEXT NOT NULL,
	image            TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	first_seen_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (provider, link)
);

CREATE INDEX IF NOT EXISTS idx_products_category_rank ON products (category_id, rank);
`
