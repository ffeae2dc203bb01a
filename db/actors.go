package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Profile queries
const (
	sqlInsertProfile = `INSERT INTO profiles(id, username, display_name, summary, public_key_pem, private_key_pem, manually_approves, system, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectProfile = `SELECT id, username, display_name, summary, public_key_pem, private_key_pem, manually_approves, system, created_at FROM profiles`
	sqlUpdateProfile = `UPDATE profiles SET display_name = ?, summary = ?, manually_approves = ? WHERE id = ?`
)

func (db *DB) CreateProfile(ctx context.Context, p *domain.Profile) error {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	return db.exec(ctx, sqlInsertProfile,
		p.Id.String(),
		p.Username,
		p.DisplayName,
		p.Summary,
		p.PublicKeyPem,
		p.PrivateKeyPem,
		p.ManuallyApprovesFollowers,
		p.System,
		utc(p.CreatedAt),
	)
}

func (db *DB) UpdateProfile(ctx context.Context, p *domain.Profile) error {
	return db.execOne(ctx, sqlUpdateProfile, p.DisplayName, p.Summary, p.ManuallyApprovesFollowers, p.Id.String())
}

func (db *DB) ReadProfileByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	return scanProfile(db.db.QueryRowContext(ctx, sqlSelectProfile+` WHERE username = ?`, username))
}

func (db *DB) ReadProfileById(ctx context.Context, id uuid.UUID) (*domain.Profile, error) {
	return scanProfile(db.db.QueryRowContext(ctx, sqlSelectProfile+` WHERE id = ?`, id.String()))
}

func (db *DB) ReadProfiles(ctx context.Context) ([]domain.Profile, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectProfile+` ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return profiles, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*domain.Profile, error) {
	var p domain.Profile
	var idStr string
	err := row.Scan(&idStr, &p.Username, &p.DisplayName, &p.Summary, &p.PublicKeyPem, &p.PrivateKeyPem,
		&p.ManuallyApprovesFollowers, &p.System, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	p.Id, _ = uuid.Parse(idStr)
	return &p, nil
}

// Remote actor queries
const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(id, actor_uri, username, domain, display_name, summary, inbox_uri, outbox_uri, followers_uri, shared_inbox_uri, public_key_id, public_key_pem, avatar_url, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			outbox_uri = excluded.outbox_uri,
			followers_uri = excluded.followers_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			public_key_id = excluded.public_key_id,
			public_key_pem = excluded.public_key_pem,
			avatar_url = excluded.avatar_url,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteActor       = `SELECT id, actor_uri, username, domain, display_name, summary, inbox_uri, outbox_uri, followers_uri, shared_inbox_uri, public_key_id, public_key_pem, avatar_url, last_fetched_at FROM remote_actors`
	sqlDeleteRemoteActorByURI  = `DELETE FROM remote_actors WHERE actor_uri = ?`
	sqlSelectStaleRemoteActors = sqlSelectRemoteActor + ` WHERE last_fetched_at < ? ORDER BY last_fetched_at ASC LIMIT ?`
)

// UpsertRemoteActor inserts the actor or refreshes the cached copy. The
// record id of an existing row is preserved and written back into acc.
func (db *DB) UpsertRemoteActor(ctx context.Context, acc *domain.RemoteActor) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	if acc.LastFetchedAt.IsZero() {
		acc.LastFetchedAt = now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteActor,
			acc.Id.String(),
			acc.ActorURI,
			acc.Username,
			acc.Domain,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.OutboxURI,
			acc.FollowersURI,
			acc.SharedInboxURI,
			acc.PublicKeyID,
			acc.PublicKeyPem,
			acc.AvatarURL,
			utc(acc.LastFetchedAt),
		)
		if err != nil {
			return mapErr(err)
		}
		var idStr string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM remote_actors WHERE actor_uri = ?`, acc.ActorURI).Scan(&idStr); err != nil {
			return mapErr(err)
		}
		acc.Id, _ = uuid.Parse(idStr)
		return nil
	})
}

func (db *DB) ReadRemoteActorByURI(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	return scanRemoteActor(db.db.QueryRowContext(ctx, sqlSelectRemoteActor+` WHERE actor_uri = ?`, uri))
}

func (db *DB) ReadRemoteActorByKeyID(ctx context.Context, keyID string) (*domain.RemoteActor, error) {
	return scanRemoteActor(db.db.QueryRowContext(ctx, sqlSelectRemoteActor+` WHERE public_key_id = ?`, keyID))
}

func (db *DB) DeleteRemoteActor(ctx context.Context, uri string) error {
	return db.execOne(ctx, sqlDeleteRemoteActorByURI, uri)
}

// ReadStaleRemoteActors returns cached actors not refreshed since olderThan
func (db *DB) ReadStaleRemoteActors(ctx context.Context, olderThan time.Time, limit int) ([]domain.RemoteActor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectStaleRemoteActors, utc(olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.RemoteActor
	for rows.Next() {
		acc, err := scanRemoteActor(rows)
		if err != nil {
			return actors, err
		}
		actors = append(actors, *acc)
	}
	return actors, rows.Err()
}

func scanRemoteActor(row scanner) (*domain.RemoteActor, error) {
	var acc domain.RemoteActor
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.ActorURI,
		&acc.Username,
		&acc.Domain,
		&acc.DisplayName,
		&acc.Summary,
		&acc.InboxURI,
		&acc.OutboxURI,
		&acc.FollowersURI,
		&acc.SharedInboxURI,
		&acc.PublicKeyID,
		&acc.PublicKeyPem,
		&acc.AvatarURL,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	acc.Id, _ = uuid.Parse(idStr)
	return &acc, nil
}
