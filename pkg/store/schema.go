package store

import "database/sql"

// Schema is the DDL for the SQL backends. Idempotent due to IF NOT EXISTS;
// applied once on startup by the service binary, not by the factory.
const Schema = `
CREATE TABLE IF NOT EXISTS onboarding_tasks (
    id              UUID PRIMARY KEY,
    idempotency_key TEXT        NOT NULL UNIQUE,
    tenant_id       TEXT        NOT NULL,
    inputs          JSONB       NOT NULL,
    status          TEXT        NOT NULL DEFAULT 'pending',
    retry_count     INT         NOT NULL DEFAULT 0,
    checkpoints     JSONB       NOT NULL DEFAULT '{}'::jsonb,
    result          JSONB,
    error_class     TEXT,
    error_message   TEXT,
    cancel_reason   TEXT,
    started_at      TIMESTAMPTZ,
    finished_at     TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_onboarding_tasks_status ON onboarding_tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_onboarding_tasks_tenant ON onboarding_tasks(tenant_id, status);

CREATE TABLE IF NOT EXISTS phone_registrations (
    phone_number_id TEXT        PRIMARY KEY,
    waba_id         TEXT        NOT NULL,
    tenant_id       TEXT        NOT NULL,
    display_number  TEXT        NOT NULL DEFAULT '',
    status          TEXT        NOT NULL DEFAULT 'pending',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_credentials (
    tenant_id       TEXT        PRIMARY KEY,
    waba_id         TEXT        NOT NULL,
    phone_number_id TEXT        NOT NULL,
    access_token    TEXT        NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
`

// ApplySchema runs the DDL against a SQL database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
