package store

// Migrations returns the schema statements, one per entry, in order.
// Statements are portable between SQLite and PostgreSQL: amounts are integer
// minor units, timestamps fixed-width UTC text, flags 0/1 integers.
func Migrations() []string {
	return []string{
		// Payments
		`CREATE TABLE IF NOT EXISTS payments (
			id                   TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL,
			reference            TEXT NOT NULL UNIQUE,
			type                 TEXT NOT NULL,
			status               TEXT NOT NULL DEFAULT 'PENDING',
			method               TEXT NOT NULL,
			amount_cents         BIGINT NOT NULL CHECK (amount_cents >= 0),
			credit_applied_cents BIGINT NOT NULL DEFAULT 0,
			currency             TEXT NOT NULL,
			transaction_id       TEXT,
			appointment_id       TEXT,
			order_id             TEXT,
			provider_response    TEXT,
			method_metadata      TEXT,
			failure_reason       TEXT,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_appointment ON payments(appointment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_transaction ON payments(transaction_id)`,

		// Store credit
		`CREATE TABLE IF NOT EXISTS client_credits (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			origin_payment_id TEXT,
			source            TEXT NOT NULL,
			initial_cents     BIGINT NOT NULL,
			remaining_cents   BIGINT NOT NULL,
			status            TEXT NOT NULL,
			expires_on        TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			CHECK (remaining_cents >= 0 AND remaining_cents <= initial_cents)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credits_user ON client_credits(user_id, status, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credits_cashback ON client_credits(origin_payment_id) WHERE source = 'CASHBACK'`,

		`CREATE TABLE IF NOT EXISTS credit_usages (
			id           TEXT PRIMARY KEY,
			credit_id    TEXT NOT NULL REFERENCES client_credits(id),
			payment_id   TEXT NOT NULL,
			amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
			released     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usages_payment ON credit_usages(payment_id)`,

		// Developer commission
		`CREATE TABLE IF NOT EXISTS commission_entries (
			id                 TEXT PRIMARY KEY,
			payment_id         TEXT NOT NULL UNIQUE,
			amount_cents       BIGINT NOT NULL,
			paid_cents         BIGINT NOT NULL DEFAULT 0,
			status             TEXT NOT NULL DEFAULT 'PENDING',
			transfer_reference TEXT,
			paid_at            TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			CHECK (paid_cents >= 0 AND paid_cents <= amount_cents)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commission_status ON commission_entries(status, created_at)`,

		`CREATE TABLE IF NOT EXISTS payout_settings (
			id                 INTEGER PRIMARY KEY CHECK (id = 1),
			commission_pct     TEXT NOT NULL,
			threshold_cents    BIGINT NOT NULL,
			in_default         INTEGER NOT NULL DEFAULT 0,
			default_since      TEXT,
			default_debt_cents BIGINT NOT NULL DEFAULT 0,
			updated_at         TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS payouts (
			id                 TEXT PRIMARY KEY,
			transfer_reference TEXT NOT NULL UNIQUE,
			amount_cents       BIGINT NOT NULL,
			source             TEXT NOT NULL,
			actor              TEXT,
			created_at         TEXT NOT NULL
		)`,

		// Fulfillment outbox
		`CREATE TABLE IF NOT EXISTS fulfillment_outbox (
			id            TEXT PRIMARY KEY,
			action        TEXT NOT NULL,
			payment_id    TEXT NOT NULL,
			target        TEXT,
			attempts      INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT,
			created_at    TEXT NOT NULL,
			dispatched_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON fulfillment_outbox(dispatched_at, created_at)`,

		// Webhook deduplication
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			reference    TEXT PRIMARY KEY,
			event        TEXT NOT NULL,
			completed    INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			completed_at TEXT
		)`,

		// Circuit breaker state persistence
		`CREATE TABLE IF NOT EXISTS circuit_breakers (
			name        TEXT PRIMARY KEY,
			failures    INTEGER NOT NULL DEFAULT 0,
			total_trips INTEGER NOT NULL DEFAULT 0,
			open_until  TEXT,
			tripped_at  TEXT,
			updated_at  TEXT NOT NULL
		)`,

		// Audit trail
		`CREATE TABLE IF NOT EXISTS audit_log (
			id         TEXT PRIMARY KEY,
			actor      TEXT NOT NULL,
			action     TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, created_at)`,
	}
}
