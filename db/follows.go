package db

import (
	"context"

	"github.com/deemkeen/tusker/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertFollow              = `INSERT INTO follows(id, follower_uri, leader_uri, activity_uri, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFollow              = `SELECT id, follower_uri, leader_uri, activity_uri, state, created_at, updated_at FROM follows`
	sqlUpdateFollowState         = `UPDATE follows SET state = ?, updated_at = ? WHERE activity_uri = ?`
	sqlDeleteFollowByActivityURI = `DELETE FROM follows WHERE activity_uri = ?`
	sqlDeleteFollowsByActorURI   = `DELETE FROM follows WHERE follower_uri = ? OR leader_uri = ?`
)

// CreateFollow stores a new relationship. A second row for the same
// (follower, leader) pair fails with domain.ErrDuplicate.
func (db *DB) CreateFollow(ctx context.Context, f *domain.Follow) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	f.UpdatedAt = f.CreatedAt
	return db.exec(ctx, sqlInsertFollow,
		f.Id.String(),
		f.FollowerURI,
		f.LeaderURI,
		f.ActivityURI,
		int(f.State),
		utc(f.CreatedAt),
		utc(f.UpdatedAt),
	)
}

func (db *DB) ReadFollowByActivityURI(ctx context.Context, activityURI string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow+` WHERE activity_uri = ?`, activityURI))
}

func (db *DB) ReadFollowByPair(ctx context.Context, followerURI, leaderURI string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow+` WHERE follower_uri = ? AND leader_uri = ?`, followerURI, leaderURI))
}

func (db *DB) UpdateFollowState(ctx context.Context, activityURI string, state domain.FollowState) error {
	return db.execOne(ctx, sqlUpdateFollowState, int(state), now(), activityURI)
}

func (db *DB) DeleteFollowByActivityURI(ctx context.Context, activityURI string) error {
	return db.execOne(ctx, sqlDeleteFollowByActivityURI, activityURI)
}

// DeleteFollowsByActorURI drops every relationship the actor takes part in,
// used when a remote actor deletes itself.
func (db *DB) DeleteFollowsByActorURI(ctx context.Context, actorURI string) error {
	return db.exec(ctx, sqlDeleteFollowsByActorURI, actorURI, actorURI)
}

// ReadFollowers returns the accepted followers of leaderURI
func (db *DB) ReadFollowers(ctx context.Context, leaderURI string) ([]domain.Follow, error) {
	return db.queryFollows(ctx, sqlSelectFollow+` WHERE leader_uri = ? AND state = ? ORDER BY created_at ASC`, leaderURI, int(domain.FollowAccepted))
}

// ReadFollowing returns the accepted leaders followerURI follows
func (db *DB) ReadFollowing(ctx context.Context, followerURI string) ([]domain.Follow, error) {
	return db.queryFollows(ctx, sqlSelectFollow+` WHERE follower_uri = ? AND state = ? ORDER BY created_at ASC`, followerURI, int(domain.FollowAccepted))
}

func (db *DB) queryFollows(ctx context.Context, query string, args ...any) ([]domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return follows, err
		}
		follows = append(follows, *f)
	}
	return follows, rows.Err()
}

func scanFollow(row scanner) (*domain.Follow, error) {
	var f domain.Follow
	var idStr string
	var state int
	if err := row.Scan(&idStr, &f.FollowerURI, &f.LeaderURI, &f.ActivityURI, &state, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	f.Id, _ = uuid.Parse(idStr)
	f.State = domain.FollowState(state)
	return &f, nil
}
