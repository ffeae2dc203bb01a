package db

import (
	"context"
	"time"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

// Instance queries
const (
	sqlTouchInstance = `INSERT INTO instances(domain, blocked, last_seen_at, created_at) VALUES (?, 0, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET last_seen_at = excluded.last_seen_at`
	sqlSetInstanceBlocked = `INSERT INTO instances(domain, blocked, last_seen_at, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET blocked = excluded.blocked`
	sqlSelectInstance      = `SELECT domain, blocked, last_seen_at, created_at FROM instances WHERE domain = ?`
	sqlSelectBlockedDomain = `SELECT domain FROM instances WHERE blocked = 1 ORDER BY domain`
)

// TouchInstance records that a verified request arrived from domain
func (db *DB) TouchInstance(ctx context.Context, domainName string, seenAt time.Time) error {
	return db.exec(ctx, sqlTouchInstance, domainName, utc(seenAt), now())
}

func (db *DB) SetInstanceBlocked(ctx context.Context, domainName string, blocked bool) error {
	t := now()
	return db.exec(ctx, sqlSetInstanceBlocked, domainName, blocked, t, t)
}

func (db *DB) ReadInstance(ctx context.Context, domainName string) (*domain.Instance, error) {
	var inst domain.Instance
	err := db.db.QueryRowContext(ctx, sqlSelectInstance, domainName).Scan(&inst.Domain, &inst.Blocked, &inst.LastSeenAt, &inst.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &inst, nil
}

func (db *DB) ReadBlockedDomains(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectBlockedDomain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return domains, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// Timeline queries
const (
	sqlInsertTimelineItem = `INSERT INTO timeline_items(id, profile_id, object_uri, activity_uri, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, activity_uri) DO NOTHING`
	sqlSelectTimeline           = `SELECT id, profile_id, object_uri, activity_uri, reason, created_at FROM timeline_items WHERE profile_id = ? ORDER BY created_at DESC LIMIT ?`
	sqlDeleteTimelineByObject   = `DELETE FROM timeline_items WHERE object_uri = ?`
	sqlDeleteTimelineByActivity = `DELETE FROM timeline_items WHERE activity_uri = ?`
)

// CreateTimelineItem materializes one fan-out row; repeats are ignored
func (db *DB) CreateTimelineItem(ctx context.Context, item *domain.TimelineItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now()
	}
	return db.exec(ctx, sqlInsertTimelineItem,
		item.Id.String(),
		item.ProfileId.String(),
		item.ObjectURI,
		item.ActivityURI,
		string(item.Reason),
		utc(item.CreatedAt),
	)
}

func (db *DB) ReadTimeline(ctx context.Context, profileId uuid.UUID, limit int) ([]domain.TimelineItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectTimeline, profileId.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.TimelineItem
	for rows.Next() {
		var item domain.TimelineItem
		var idStr, profileStr, reason string
		if err := rows.Scan(&idStr, &profileStr, &item.ObjectURI, &item.ActivityURI, &reason, &item.CreatedAt); err != nil {
			return items, err
		}
		item.Id, _ = uuid.Parse(idStr)
		item.ProfileId, _ = uuid.Parse(profileStr)
		item.Reason = domain.Kind(reason)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) DeleteTimelineItemsByObjectURI(ctx context.Context, objectURI string) error {
	return db.exec(ctx, sqlDeleteTimelineByObject, objectURI)
}

func (db *DB) DeleteTimelineItemsByActivityURI(ctx context.Context, activityURI string) error {
	return db.exec(ctx, sqlDeleteTimelineByActivity, activityURI)
}
