package db

const postgresSchema = `
CREATE TABLE IF NOT EXISTS devices (
	device_code    TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL DEFAULT '',
	device_type    TEXT NOT NULL DEFAULT 'agent',
	online         BOOLEAN NOT NULL DEFAULT FALSE,
	last_heartbeat TIMESTAMPTZ NULL,
	endpoint       TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS presence_channels (
	identity   TEXT NOT NULL,
	role       TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (identity, role)
);

CREATE TABLE IF NOT EXISTS connection_requests (
	request_id     TEXT PRIMARY KEY,
	target_code    TEXT NOT NULL REFERENCES devices (device_code),
	requester_id   TEXT NOT NULL DEFAULT '',
	requester_name TEXT NOT NULL DEFAULT '',
	requester_ip   TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	endpoint       TEXT NOT NULL DEFAULT '',
	requested_at   TIMESTAMPTZ NOT NULL,
	approved_at    TIMESTAMPTZ NULL,
	connected_at   TIMESTAMPTZ NULL,
	ended_at       TIMESTAMPTZ NULL,
	end_reason     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS connection_requests_target_status
	ON connection_requests (target_code, status, requested_at);
`

// SQLite needs TIMESTAMP/BOOLEAN declared types so the driver converts
// columns back into time.Time and bool.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_code    TEXT PRIMARY KEY,
		owner_id       TEXT NOT NULL DEFAULT '',
		name           TEXT NOT NULL DEFAULT '',
		device_type    TEXT NOT NULL DEFAULT 'agent',
		online         BOOLEAN NOT NULL DEFAULT 0,
		last_heartbeat TIMESTAMP NULL,
		endpoint       TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS presence_channels (
		identity   TEXT NOT NULL,
		role       TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (identity, role)
	);`,
	`CREATE TABLE IF NOT EXISTS connection_requests (
		request_id     TEXT PRIMARY KEY,
		target_code    TEXT NOT NULL REFERENCES devices (device_code),
		requester_id   TEXT NOT NULL DEFAULT '',
		requester_name TEXT NOT NULL DEFAULT '',
		requester_ip   TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		endpoint       TEXT NOT NULL DEFAULT '',
		requested_at   TIMESTAMP NOT NULL,
		approved_at    TIMESTAMP NULL,
		connected_at   TIMESTAMP NULL,
		ended_at       TIMESTAMP NULL,
		end_reason     TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS connection_requests_target_status
		ON connection_requests (target_code, status, requested_at);`,
}

const deviceColumns = `device_code, owner_id, name, device_type, online, last_heartbeat, endpoint, created_at`

const requestColumns = `request_id, target_code, requester_id, requester_name, requester_ip, status,
	endpoint, requested_at, approved_at, connected_at, ended_at, end_reason`
