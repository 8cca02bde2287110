// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"maunium.net/go/mautrix/id"
)

// User is the persisted state of a ghost: the Matrix account that speaks for
// one Slack user.
type User struct {
	MXID         id.UserID
	SlackID      string
	TeamID       string
	DisplayName  string
	AvatarHash   string
	LastActivity time.Time
}

const userColumns = "mxid, slack_id, team_id, display_name, avatar_hash, last_activity"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var mxid string
	var lastActivity int64
	err := row.Scan(&mxid, &u.SlackID, &u.TeamID, &u.DisplayName, &u.AvatarHash, &lastActivity)
	if noRows(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	u.MXID = id.UserID(mxid)
	if lastActivity > 0 {
		u.LastActivity = time.UnixMilli(lastActivity)
	}
	return &u, nil
}

// GetUser loads a ghost by its Matrix ID.
func (d *Database) GetUser(ctx context.Context, mxid id.UserID) (*User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE mxid = ?", string(mxid)))
	return u, errors.Wrap(err, "failed to get user")
}

// GetUserBySlackID loads a ghost by its Slack team and user ID.
func (d *Database) GetUserBySlackID(ctx context.Context, teamID, slackID string) (*User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE team_id = ? AND slack_id = ?", teamID, slackID))
	return u, errors.Wrap(err, "failed to get user by slack id")
}

// UpsertUser inserts or replaces a ghost row.
func (d *Database) UpsertUser(ctx context.Context, u *User) error {
	var lastActivity int64
	if !u.LastActivity.IsZero() {
		lastActivity = u.LastActivity.UnixMilli()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (mxid) DO UPDATE SET
		  slack_id = excluded.slack_id,
		  team_id = excluded.team_id,
		  display_name = excluded.display_name,
		  avatar_hash = excluded.avatar_hash,
		  last_activity = excluded.last_activity`,
		string(u.MXID), u.SlackID, u.TeamID, u.DisplayName, u.AvatarHash, lastActivity)
	return errors.Wrap(err, "failed to upsert user")
}
