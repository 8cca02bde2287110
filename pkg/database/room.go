// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"github.com/pkg/errors"
	"maunium.net/go/mautrix/id"
)

// Room links a Slack channel to the Matrix room it is bridged into.
type Room struct {
	SlackChannelID string
	MatrixRoomID   id.RoomID
	TeamID         string
	SlackType      string
	IsPrivate      bool
}

// Team caches the Slack workspace fields needed to build links and ghost IDs.
type Team struct {
	ID     string
	Domain string
	Name   string
}

const roomColumns = "slack_channel_id, matrix_room_id, team_id, slack_type, is_private"

func scanRoom(row interface{ Scan(...any) error }) (*Room, error) {
	var r Room
	var roomID string
	err := row.Scan(&r.SlackChannelID, &roomID, &r.TeamID, &r.SlackType, &r.IsPrivate)
	if noRows(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	r.MatrixRoomID = id.RoomID(roomID)
	return &r, nil
}

// GetRoomBySlackChannel returns the bridged room for a Slack channel.
func (d *Database) GetRoomBySlackChannel(ctx context.Context, channelID string) (*Room, error) {
	r, err := scanRoom(d.db.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE slack_channel_id = ?", channelID))
	return r, errors.Wrap(err, "failed to get room")
}

// GetRoomByMatrixID returns the bridged room for a Matrix room ID.
func (d *Database) GetRoomByMatrixID(ctx context.Context, roomID id.RoomID) (*Room, error) {
	r, err := scanRoom(d.db.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE matrix_room_id = ?", string(roomID)))
	return r, errors.Wrap(err, "failed to get room by matrix id")
}

// UpsertRoom inserts or replaces a room link.
func (d *Database) UpsertRoom(ctx context.Context, r *Room) error {
	slackType := r.SlackType
	if slackType == "" {
		slackType = "channel"
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO rooms (`+roomColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (slack_channel_id) DO UPDATE SET
		  matrix_room_id = excluded.matrix_room_id,
		  team_id = excluded.team_id,
		  slack_type = excluded.slack_type,
		  is_private = excluded.is_private`,
		r.SlackChannelID, string(r.MatrixRoomID), r.TeamID, slackType, r.IsPrivate)
	return errors.Wrap(err, "failed to upsert room")
}

// GetTeam returns a Slack team by ID.
func (d *Database) GetTeam(ctx context.Context, teamID string) (*Team, error) {
	var t Team
	err := d.db.QueryRowContext(ctx,
		"SELECT id, domain, name FROM teams WHERE id = ?", teamID).Scan(&t.ID, &t.Domain, &t.Name)
	if noRows(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get team")
	}
	return &t, nil
}

// UpsertTeam inserts or replaces a Slack team.
func (d *Database) UpsertTeam(ctx context.Context, t *Team) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO teams (id, domain, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET domain = excluded.domain, name = excluded.name`,
		t.ID, t.Domain, t.Name)
	return errors.Wrap(err, "failed to upsert team")
}
