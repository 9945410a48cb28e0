package timescaledb

const createTableSQL = `
CREATE TABLE IF NOT EXISTS print_samples (
    time timestamp WITH TIME ZONE NOT NULL,
    elapsed bigint NOT NULL,
    session text NULL,
    state text NULL,
    z float8 NULL,
    bed_temp float4 NULL,
    bed_target float4 NULL,
    nozzle_temp float4 NULL,
    nozzle_target float4 NULL,
    job_active boolean NOT NULL DEFAULT false
);`

const createExtensionSQL = `CREATE EXTENSION IF NOT EXISTS timescaledb;`

const createHypertableSQL = `SELECT create_hypertable('print_samples', 'time', if_not_exists => true);`

const createSessionIndexSQL = `CREATE INDEX IF NOT EXISTS print_samples_session_idx ON print_samples (session, time DESC);`
