package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Activity queries
const (
	sqlInsertActivity      = `INSERT INTO activities(id, activity_uri, kind, actor_uri, object_uri, target_activity_uri, target_actor_uri, state, raw_json, local, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivity      = `SELECT id, activity_uri, kind, actor_uri, object_uri, target_activity_uri, target_actor_uri, state, raw_json, local, created_at, updated_at FROM activities`
	sqlUpdateActivityState = `UPDATE activities SET state = ?, updated_at = ? WHERE activity_uri = ?`
	sqlSelectOutbox        = sqlSelectActivity + ` WHERE actor_uri = ? AND local = 1 AND state = 0 ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountOutbox         = `SELECT COUNT(*) FROM activities WHERE actor_uri = ? AND local = 1 AND state = 0`
)

func (db *DB) CreateActivity(ctx context.Context, a *domain.Activity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	a.UpdatedAt = a.CreatedAt
	return db.exec(ctx, sqlInsertActivity,
		a.Id.String(),
		a.ActivityURI,
		string(a.Kind),
		a.ActorURI,
		a.ObjectURI,
		a.TargetActivityURI,
		a.TargetActorURI,
		int(a.State),
		a.RawJSON,
		a.Local,
		utc(a.CreatedAt),
		utc(a.UpdatedAt),
	)
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	return scanActivity(db.db.QueryRowContext(ctx, sqlSelectActivity+` WHERE activity_uri = ?`, uri))
}

// UpdateActivityState moves an activity along its lifecycle. Illegal
// transitions (e.g. back to active) are rejected.
func (db *DB) UpdateActivityState(ctx context.Context, uri string, state domain.LifecycleState) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx, `SELECT state FROM activities WHERE activity_uri = ?`, uri).Scan(&current); err != nil {
			return mapErr(err)
		}
		from := domain.LifecycleState(current)
		if from == state {
			return nil
		}
		if !from.CanTransition(state) {
			return fmt.Errorf("activity %s: illegal transition %s -> %s", uri, from, state)
		}
		_, err := tx.ExecContext(ctx, sqlUpdateActivityState, int(state), now(), uri)
		return mapErr(err)
	})
}

// ReadActivitiesByObjectURI returns every activity that references objectURI
func (db *DB) ReadActivitiesByObjectURI(ctx context.Context, objectURI string) ([]domain.Activity, error) {
	return db.queryActivities(ctx, sqlSelectActivity+` WHERE object_uri = ? ORDER BY created_at ASC`, objectURI)
}

// ReadOutboxActivities pages through a local actor's active outbox, newest first
func (db *DB) ReadOutboxActivities(ctx context.Context, actorURI string, limit, offset int) ([]domain.Activity, error) {
	return db.queryActivities(ctx, sqlSelectOutbox, actorURI, limit, offset)
}

func (db *DB) CountOutboxActivities(ctx context.Context, actorURI string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountOutbox, actorURI).Scan(&n)
	return n, mapErr(err)
}

func (db *DB) queryActivities(ctx context.Context, query string, args ...any) ([]domain.Activity, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return activities, err
		}
		activities = append(activities, *a)
	}
	return activities, rows.Err()
}

func scanActivity(row scanner) (*domain.Activity, error) {
	var a domain.Activity
	var idStr, kind string
	var state int
	err := row.Scan(
		&idStr,
		&a.ActivityURI,
		&kind,
		&a.ActorURI,
		&a.ObjectURI,
		&a.TargetActivityURI,
		&a.TargetActorURI,
		&state,
		&a.RawJSON,
		&a.Local,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	a.Id, _ = uuid.Parse(idStr)
	a.Kind = domain.Kind(kind)
	a.State = domain.LifecycleState(state)
	return &a, nil
}

// Object queries
const (
	sqlInsertObject = `INSERT INTO objects(id, object_uri, kind, attributed_to, content, summary, in_reply_to_uri, conversation_uri, to_json, cc_json, state, local, raw_json, published, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectObject = `SELECT id, object_uri, kind, attributed_to, content, summary, in_reply_to_uri, conversation_uri, to_json, cc_json, state, local, raw_json, published, created_at, updated_at FROM objects`
	sqlUpdateObject = `UPDATE objects SET kind = ?, content = ?, summary = ?, in_reply_to_uri = ?, conversation_uri = ?, to_json = ?, cc_json = ?, raw_json = ?, updated_at = ? WHERE object_uri = ? AND state = 0`
	sqlTombstone    = `UPDATE objects SET kind = 'Tombstone', content = '', summary = '', raw_json = '', state = ?, updated_at = ? WHERE object_uri = ?`
	sqlSelectPublic = sqlSelectObject + ` WHERE attributed_to = ? AND state = 0
		AND EXISTS (SELECT 1 FROM json_each(objects.to_json) WHERE json_each.value IN (?, ?, ?))
		ORDER BY published DESC LIMIT ?`
)

func (db *DB) CreateObject(ctx context.Context, o *domain.Object) error {
	if o.Id == uuid.Nil {
		o.Id = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	if o.Published.IsZero() {
		o.Published = o.CreatedAt
	}
	o.UpdatedAt = o.CreatedAt
	to, cc, err := encodeAudience(o)
	if err != nil {
		return err
	}
	return db.exec(ctx, sqlInsertObject,
		o.Id.String(),
		o.ObjectURI,
		string(o.Kind),
		o.AttributedTo,
		o.Content,
		o.Summary,
		o.InReplyToURI,
		o.ConversationURI,
		to,
		cc,
		int(o.State),
		o.Local,
		o.RawJSON,
		utc(o.Published),
		utc(o.CreatedAt),
		utc(o.UpdatedAt),
	)
}

func (db *DB) ReadObjectByURI(ctx context.Context, uri string) (*domain.Object, error) {
	return scanObject(db.db.QueryRowContext(ctx, sqlSelectObject+` WHERE object_uri = ?`, uri))
}

// UpdateObject overwrites the mutable content of an active object
func (db *DB) UpdateObject(ctx context.Context, o *domain.Object) error {
	to, cc, err := encodeAudience(o)
	if err != nil {
		return err
	}
	o.UpdatedAt = now()
	return db.execOne(ctx, sqlUpdateObject,
		string(o.Kind),
		o.Content,
		o.Summary,
		o.InReplyToURI,
		o.ConversationURI,
		to,
		cc,
		o.RawJSON,
		o.UpdatedAt,
		o.ObjectURI,
	)
}

// TombstoneObject replaces the object's content with a tombstone, keeping its IRI
func (db *DB) TombstoneObject(ctx context.Context, uri string) error {
	return db.execOne(ctx, sqlTombstone, int(domain.StateTombstoned), now(), uri)
}

// ReadPublicObjectsByAuthor lists active, publicly addressed objects of an author
func (db *DB) ReadPublicObjectsByAuthor(ctx context.Context, actorURI string, limit int) ([]domain.Object, error) {
	pub := domain.PublicAddresses
	rows, err := db.db.QueryContext(ctx, sqlSelectPublic, actorURI, pub[0], pub[1], pub[2], limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []domain.Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return objects, err
		}
		objects = append(objects, *o)
	}
	return objects, rows.Err()
}

func encodeAudience(o *domain.Object) (string, string, error) {
	to, err := json.Marshal(nonNil(o.To))
	if err != nil {
		return "", "", err
	}
	cc, err := json.Marshal(nonNil(o.Cc))
	if err != nil {
		return "", "", err
	}
	return string(to), string(cc), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanObject(row scanner) (*domain.Object, error) {
	var o domain.Object
	var idStr, kind, to, cc string
	var state int
	var published, created, updated time.Time
	err := row.Scan(
		&idStr,
		&o.ObjectURI,
		&kind,
		&o.AttributedTo,
		&o.Content,
		&o.Summary,
		&o.InReplyToURI,
		&o.ConversationURI,
		&to,
		&cc,
		&state,
		&o.Local,
		&o.RawJSON,
		&published,
		&created,
		&updated,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	o.Id, _ = uuid.Parse(idStr)
	o.Kind = domain.Kind(kind)
	o.State = domain.LifecycleState(state)
	o.Published, o.CreatedAt, o.UpdatedAt = published, created, updated
	if err := json.Unmarshal([]byte(to), &o.To); err != nil {
		return nil, fmt.Errorf("object %s: bad to list: %w", o.ObjectURI, err)
	}
	if err := json.Unmarshal([]byte(cc), &o.Cc); err != nil {
		return nil, fmt.Errorf("object %s: bad cc list: %w", o.ObjectURI, err)
	}
	return &o, nil
}
