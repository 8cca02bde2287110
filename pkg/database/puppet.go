// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"github.com/pkg/errors"
	"maunium.net/go/mautrix/id"
)

// Puppet is a Matrix user who linked their own Slack account. Its token can
// read files in private channels that the bot cannot see.
type Puppet struct {
	TeamID      string
	SlackUserID string
	MXID        id.UserID
	Token       string
}

// GetPuppetByMXID returns the first puppet linked to a Matrix user.
func (d *Database) GetPuppetByMXID(ctx context.Context, mxid id.UserID) (*Puppet, error) {
	var p Puppet
	var userID string
	err := d.db.QueryRowContext(ctx,
		"SELECT team_id, slack_user_id, mxid, token FROM puppets WHERE mxid = ? LIMIT 1",
		string(mxid)).Scan(&p.TeamID, &p.SlackUserID, &userID, &p.Token)
	if noRows(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get puppet")
	}
	p.MXID = id.UserID(userID)
	return &p, nil
}

// UpsertPuppet inserts or replaces a puppet link.
func (d *Database) UpsertPuppet(ctx context.Context, p *Puppet) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO puppets (team_id, slack_user_id, mxid, token) VALUES (?, ?, ?, ?)
		ON CONFLICT (team_id, slack_user_id) DO UPDATE SET mxid = excluded.mxid, token = excluded.token`,
		p.TeamID, p.SlackUserID, string(p.MXID), p.Token)
	return errors.Wrap(err, "failed to upsert puppet")
}

// ListPuppets returns every linked puppet.
func (d *Database) ListPuppets(ctx context.Context) ([]*Puppet, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT team_id, slack_user_id, mxid, token FROM puppets ORDER BY mxid")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query puppets")
	}
	defer rows.Close()
	var puppets []*Puppet
	for rows.Next() {
		var p Puppet
		var userID string
		if err := rows.Scan(&p.TeamID, &p.SlackUserID, &userID, &p.Token); err != nil {
			return nil, errors.Wrap(err, "failed to scan puppet")
		}
		p.MXID = id.UserID(userID)
		puppets = append(puppets, &p)
	}
	return puppets, errors.Wrap(rows.Err(), "failed to iterate puppets")
}

// DeletePuppet unlinks a Slack user.
func (d *Database) DeletePuppet(ctx context.Context, teamID, slackUserID string) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM puppets WHERE team_id = ? AND slack_user_id = ?", teamID, slackUserID)
	return errors.Wrap(err, "failed to delete puppet")
}
