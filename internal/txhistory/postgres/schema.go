package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS withdrawal_txs (
	tx_hash BYTEA PRIMARY KEY,
	request_id UUID NOT NULL,
	account BYTEA NOT NULL,
	pair BYTEA NOT NULL,
	method TEXT NOT NULL,
	gas_limit BIGINT NOT NULL,
	summary TEXT NOT NULL,

	outcome SMALLINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',

	submitted_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT tx_hash_len CHECK (octet_length(tx_hash) = 32),
	CONSTRAINT account_len CHECK (octet_length(account) = 20),
	CONSTRAINT pair_len CHECK (octet_length(pair) = 20),
	CONSTRAINT gas_limit_nonneg CHECK (gas_limit >= 0),
	CONSTRAINT outcome_range CHECK (outcome >= 1 AND outcome <= 3)
);

CREATE INDEX IF NOT EXISTS withdrawal_txs_account_idx ON withdrawal_txs (account, submitted_at DESC);
`
