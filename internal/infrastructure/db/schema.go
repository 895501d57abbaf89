package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// oddsTableNames are the eight snapshot buckets sharing one shape.
var oddsTableNames = []string{
	"odds_win", "odds_exacta", "odds_quinella", "odds_quinella_place",
	"odds_trifecta", "odds_trio", "odds_bracket_quinella", "odds_bracket_exacta",
}

// schemaStatements creates every table, ordered so foreign keys resolve.
// Each statement is idempotent.
func schemaStatements() []string {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS regions (
			region_id BIGINT PRIMARY KEY,
			name      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS venues (
			venue_id            BIGINT PRIMARY KEY,
			name                TEXT NOT NULL,
			slug                TEXT NOT NULL DEFAULT '',
			region_id           BIGINT REFERENCES regions (region_id),
			track_distance      INT NOT NULL DEFAULT 0,
			bank_feature        TEXT NOT NULL DEFAULT '',
			best_record_player  TEXT NOT NULL DEFAULT '',
			best_record_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			best_record_date    DATE
		)`,
		`CREATE TABLE IF NOT EXISTS cups (
			cup_id          BIGINT PRIMARY KEY,
			name            TEXT NOT NULL,
			start_date      DATE NOT NULL,
			end_date        DATE NOT NULL,
			duration        INT NOT NULL DEFAULT 0,
			grade           TEXT NOT NULL DEFAULT '',
			venue_id        BIGINT REFERENCES venues (venue_id),
			labels          TEXT[] NOT NULL DEFAULT '{}',
			players_unfixed BOOLEAN NOT NULL DEFAULT FALSE,
			CHECK (start_date <= end_date)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			schedule_id    BIGINT PRIMARY KEY,
			cup_id         BIGINT NOT NULL REFERENCES cups (cup_id),
			date           DATE NOT NULL,
			schedule_index INT,
			UNIQUE (cup_id, schedule_index)
		)`,
		`CREATE TABLE IF NOT EXISTS races (
			race_id        BIGINT PRIMARY KEY,
			cup_id         BIGINT NOT NULL REFERENCES cups (cup_id),
			schedule_id    BIGINT NOT NULL REFERENCES schedules (schedule_id),
			number         INT NOT NULL,
			name           TEXT NOT NULL DEFAULT '',
			status         INT NOT NULL DEFAULT 0,
			distance       INT NOT NULL DEFAULT 0,
			lap            INT NOT NULL DEFAULT 0,
			entries_number INT NOT NULL DEFAULT 0,
			class          TEXT NOT NULL DEFAULT '',
			race_type      TEXT NOT NULL DEFAULT '',
			start_time     TIMESTAMPTZ,
			is_canceled    BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (schedule_id, number)
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			race_id   BIGINT NOT NULL REFERENCES races (race_id),
			frame     INT NOT NULL,
			player_id TEXT NOT NULL,
			is_absent BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (race_id, frame)
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			player_id   TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			age         INT NOT NULL DEFAULT 0,
			prefecture  TEXT NOT NULL DEFAULT '',
			term        INT NOT NULL DEFAULT 0,
			class       TEXT NOT NULL DEFAULT '',
			style       TEXT NOT NULL DEFAULT '',
			points      DOUBLE PRECISION NOT NULL DEFAULT 0,
			first_rate  DOUBLE PRECISION NOT NULL DEFAULT 0,
			second_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			third_rate  DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS line_predictions (
			race_id   BIGINT NOT NULL REFERENCES races (race_id),
			line_type TEXT NOT NULL,
			formation TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (race_id, line_type)
		)`,
	}

	for _, table := range oddsTableNames {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			race_id         BIGINT NOT NULL REFERENCES races (race_id),
			combination_key TEXT NOT NULL,
			odds_value      DOUBLE PRECISION NOT NULL DEFAULT 0,
			min_odds        DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_odds        DOUBLE PRECISION NOT NULL DEFAULT 0,
			popularity      INT NOT NULL DEFAULT 0,
			is_absent       BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (race_id, combination_key)
		)`, table))
	}

	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS results (
			race_id       BIGINT NOT NULL REFERENCES races (race_id),
			rank          INT NOT NULL,
			frame         INT NOT NULL,
			player_id     TEXT NOT NULL DEFAULT '',
			player_name   TEXT NOT NULL DEFAULT '',
			age           INT NOT NULL DEFAULT 0,
			prefecture    TEXT NOT NULL DEFAULT '',
			term          INT NOT NULL DEFAULT 0,
			class         TEXT NOT NULL DEFAULT '',
			margin        TEXT NOT NULL DEFAULT '',
			last_lap_time TEXT NOT NULL DEFAULT '',
			winning_move  TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (race_id, frame)
		)`,
		`CREATE TABLE IF NOT EXISTS payouts (
			race_id     BIGINT NOT NULL REFERENCES races (race_id),
			ticket_type TEXT NOT NULL,
			combination TEXT NOT NULL DEFAULT '',
			amount      INT NOT NULL DEFAULT 0,
			popularity  INT NOT NULL DEFAULT 0,
			absent      BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (race_id, ticket_type, combination)
		)`,
		`CREATE TABLE IF NOT EXISTS lap_positions (
			race_id     BIGINT NOT NULL REFERENCES races (race_id),
			section     TEXT NOT NULL,
			section_idx INT NOT NULL DEFAULT 0,
			frame       INT NOT NULL,
			player_name TEXT NOT NULL DEFAULT '',
			x           INT NOT NULL DEFAULT 0,
			y           INT NOT NULL DEFAULT 0,
			PRIMARY KEY (race_id, section, frame)
		)`,
		`CREATE TABLE IF NOT EXISTS race_status (
			race_id      BIGINT PRIMARY KEY REFERENCES races (race_id),
			step1_status TEXT,
			step2_status TEXT,
			step3_status TEXT,
			step4_status TEXT,
			step5_status TEXT,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS odds_status (
			id            BIGSERIAL PRIMARY KEY,
			race_id       BIGINT NOT NULL REFERENCES races (race_id),
			fetched_at    TIMESTAMPTZ NOT NULL,
			is_final      BOOLEAN NOT NULL DEFAULT FALSE,
			payout_status INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cups_dates ON cups (start_date, end_date)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_date ON schedules (date)`,
		`CREATE INDEX IF NOT EXISTS idx_races_cup ON races (cup_id)`,
		`CREATE INDEX IF NOT EXISTS idx_odds_status_race ON odds_status (race_id)`,
	)

	return stmts
}

// Setup creates the full schema. Safe to run on an existing store.
func Setup(ctx context.Context, g *Gateway) error {
	stmts := schemaStatements()
	for i, stmt := range stmts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := g.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	log.Info().Int("statements", len(stmts)).Msg("Schema setup completed")
	return nil
}
