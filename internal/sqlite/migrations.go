package sqlite

func (s Storage) RunMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR NOT NULL PRIMARY KEY,
		timezone VARCHAR NOT NULL DEFAULT ""
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		user_id VARCHAR NOT NULL,
		id VARCHAR NOT NULL,
		score INTEGER NOT NULL,
		end_score INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (user_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS events_score ON events (user_id, score)`,
	`CREATE TABLE IF NOT EXISTS mirror_events (
		user_id VARCHAR NOT NULL,
		id VARCHAR NOT NULL,
		score INTEGER NOT NULL,
		end_score INTEGER NOT NULL,
		payload TEXT NOT NULL,
		synced_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS mirror_events_score ON mirror_events (user_id, score)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		user_id VARCHAR NOT NULL PRIMARY KEY,
		provider VARCHAR NOT NULL,
		account VARCHAR NOT NULL DEFAULT "",
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT "",
		expires_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS sidecars (
		user_id VARCHAR NOT NULL,
		provider_event_id VARCHAR NOT NULL,
		recurring INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		PRIMARY KEY (user_id, provider_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pushes (
		user_id VARCHAR NOT NULL,
		local_id VARCHAR NOT NULL,
		provider_id VARCHAR NOT NULL,
		PRIMARY KEY (user_id, local_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_deletes (
		user_id VARCHAR NOT NULL,
		provider_event_id VARCHAR NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, provider_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_updates (
		user_id VARCHAR NOT NULL,
		local_id VARCHAR NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, local_id)
	)`,
}
