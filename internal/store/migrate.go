package store

import (
	"context"
	"fmt"
)

// Migrate bootstraps the schema. Statements are idempotent so the server
// can run it unconditionally on startup.
func (s *Store) Migrate(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s,
			email TEXT NOT NULL UNIQUE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			drop_token TEXT NOT NULL DEFAULT '',
			settings TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`, pk),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id %s,
			user_id BIGINT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			show_in_inbox BOOLEAN NOT NULL DEFAULT TRUE,
			trusted BOOLEAN NOT NULL DEFAULT FALSE,
			source_llm TEXT NOT NULL DEFAULT '',
			embedding_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_memories_user_status ON memories(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories(user_id, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id %s,
			memory_id BIGINT NOT NULL,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding_id TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			generated_qas TEXT NOT NULL DEFAULT '[]',
			entities TEXT NOT NULL DEFAULT '[]',
			trust_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			feedback_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			tokens_count INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_chunks_memory ON chunks(memory_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks(embedding_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS facts (
			id %s,
			user_id BIGINT NOT NULL,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			source_memory_id BIGINT NOT NULL DEFAULT 0,
			source_chunk_id BIGINT NOT NULL DEFAULT 0,
			valid_from TIMESTAMP NOT NULL,
			valid_until TIMESTAMP,
			location TEXT NOT NULL DEFAULT '',
			is_superseded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_facts_user_current ON facts(user_id, is_superseded)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_subject_predicate ON facts(user_id, subject, predicate)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS clusters (
			id %s,
			user_id BIGINT NOT NULL,
			memory_ids TEXT NOT NULL DEFAULT '[]',
			representative_text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL
		)`, pk),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_records (
			id %s,
			user_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_usage_user_created ON usage_records(user_id, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			id %s,
			type TEXT NOT NULL,
			user_id BIGINT NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_run_at TIMESTAMP NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_next ON tasks(status, next_run_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	s.logger.Info("schema bootstrap complete", "driver", s.driver)
	return nil
}
