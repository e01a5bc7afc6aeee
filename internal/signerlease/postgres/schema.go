package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS signer_leases (
	account BYTEA PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT signer_leases_account_len CHECK (octet_length(account) = 20)
);
`
