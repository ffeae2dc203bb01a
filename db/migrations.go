package db

import (
	"context"
	"database/sql"

	"github.com/charmbracelet/log"
)

const (
	sqlCreateProfilesTable = `CREATE TABLE IF NOT EXISTS profiles (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		manually_approves INTEGER NOT NULL DEFAULT 0,
		system INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	// Remote actors cache table
	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		public_key_id TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		last_fetched_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_actors_domain ON remote_actors(domain);
		CREATE INDEX IF NOT EXISTS idx_remote_actors_last_fetched ON remote_actors(last_fetched_at);
	`

	// Activities log table (lifecycle, deduplication, outbox)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		target_activity_uri TEXT NOT NULL DEFAULT '',
		target_actor_uri TEXT NOT NULL DEFAULT '',
		state INTEGER NOT NULL DEFAULT 0,
		raw_json TEXT NOT NULL,
		local INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_actor_uri ON activities(actor_uri, local);
		CREATE INDEX IF NOT EXISTS idx_activities_kind ON activities(kind);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		attributed_to TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		in_reply_to_uri TEXT NOT NULL DEFAULT '',
		conversation_uri TEXT NOT NULL DEFAULT '',
		to_json TEXT NOT NULL DEFAULT '[]',
		cc_json TEXT NOT NULL DEFAULT '[]',
		state INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		raw_json TEXT NOT NULL DEFAULT '',
		published TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_attributed_to ON objects(attributed_to);
		CREATE INDEX IF NOT EXISTS idx_objects_conversation ON objects(conversation_uri);
	`

	// Follow relationships table; one row per (follower, leader)
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_uri TEXT NOT NULL,
		leader_uri TEXT NOT NULL,
		activity_uri TEXT UNIQUE NOT NULL,
		state INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_uri, leader_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_leader ON follows(leader_uri, state);
		CREATE INDEX IF NOT EXISTS idx_follows_follower ON follows(follower_uri, state);
	`

	sqlCreateInstancesTable = `CREATE TABLE IF NOT EXISTS instances (
		domain TEXT NOT NULL PRIMARY KEY,
		blocked INTEGER NOT NULL DEFAULT 0,
		last_seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateTimelineTable = `CREATE TABLE IF NOT EXISTS timeline_items (
		id TEXT NOT NULL PRIMARY KEY,
		profile_id TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(profile_id, activity_uri)
	)`

	sqlCreateTimelineIndices = `
		CREATE INDEX IF NOT EXISTS idx_timeline_profile ON timeline_items(profile_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_timeline_object ON timeline_items(object_uri);
	`

	// Delivery queue table
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL DEFAULT '',
		sender_uri TEXT NOT NULL DEFAULT '',
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

// RunMigrations executes all database migrations. Every statement is
// idempotent so it runs on each start.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(context.Background(), func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"profiles", sqlCreateProfilesTable},
			{"remote_actors", sqlCreateRemoteActorsTable},
			{"activities", sqlCreateActivitiesTable},
			{"objects", sqlCreateObjectsTable},
			{"follows", sqlCreateFollowsTable},
			{"instances", sqlCreateInstancesTable},
			{"timeline_items", sqlCreateTimelineTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.sql, table.name); err != nil {
				return err
			}
		}

		indices := []struct {
			name string
			sql  string
		}{
			{"remote_actors", sqlCreateRemoteActorsIndices},
			{"activities", sqlCreateActivitiesIndices},
			{"objects", sqlCreateObjectsIndices},
			{"follows", sqlCreateFollowsIndices},
			{"timeline_items", sqlCreateTimelineIndices},
			{"delivery_queue", sqlCreateDeliveryQueueIndices},
		}
		for _, index := range indices {
			if _, err := tx.Exec(index.sql); err != nil {
				log.Printf("Warning: Failed to create %s indices: %v", index.name, err)
			}
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	log.Debugf("Table %s created or already exists", tableName)
	return nil
}
