// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"github.com/pkg/errors"
	"maunium.net/go/mautrix/id"
)

// Event correlates a Matrix event with the Slack message it was bridged from.
type Event struct {
	RoomID         id.RoomID
	EventID        id.EventID
	SlackChannelID string
	SlackTS        string
	SlackThreadTS  string
}

const eventColumns = "room_id, event_id, slack_channel_id, slack_ts, slack_thread_ts"

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var e Event
	var roomID, eventID string
	err := row.Scan(&roomID, &eventID, &e.SlackChannelID, &e.SlackTS, &e.SlackThreadTS)
	if noRows(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	e.RoomID = id.RoomID(roomID)
	e.EventID = id.EventID(eventID)
	return &e, nil
}

// UpsertEvent stores a correlation row. Re-storing the same Matrix event
// updates its Slack coordinates.
func (d *Database) UpsertEvent(ctx context.Context, e *Event) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, event_id) DO UPDATE SET
		  slack_channel_id = excluded.slack_channel_id,
		  slack_ts = excluded.slack_ts,
		  slack_thread_ts = excluded.slack_thread_ts`,
		string(e.RoomID), string(e.EventID), e.SlackChannelID, e.SlackTS, e.SlackThreadTS)
	return errors.Wrap(err, "failed to upsert event")
}

// GetEventBySlackID returns the first Matrix event bridged for a Slack
// message. A message split into several parts maps to several rows; the
// first one is the edit and reply target.
func (d *Database) GetEventBySlackID(ctx context.Context, channelID, ts string) (*Event, error) {
	e, err := scanEvent(d.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE slack_channel_id = ? AND slack_ts = ? ORDER BY rowid ASC LIMIT 1",
		channelID, ts))
	return e, errors.Wrap(err, "failed to get event by slack id")
}

// GetEventsBySlackID returns every Matrix event bridged for a Slack message,
// in the order they were sent.
func (d *Database) GetEventsBySlackID(ctx context.Context, channelID, ts string) ([]*Event, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE slack_channel_id = ? AND slack_ts = ? ORDER BY rowid ASC",
		channelID, ts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events by slack id")
	}
	defer rows.Close()
	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		events = append(events, e)
	}
	return events, errors.Wrap(rows.Err(), "failed to iterate events")
}

// GetLatestEventInThread returns the most recently bridged event in a Slack
// thread, not counting the root.
func (d *Database) GetLatestEventInThread(ctx context.Context, channelID, threadTS string) (*Event, error) {
	e, err := scanEvent(d.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE slack_channel_id = ? AND slack_thread_ts = ? ORDER BY rowid DESC LIMIT 1",
		channelID, threadTS))
	return e, errors.Wrap(err, "failed to get latest thread event")
}

// DeleteEventsBySlackID removes every correlation row for a Slack message.
func (d *Database) DeleteEventsBySlackID(ctx context.Context, channelID, ts string) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM events WHERE slack_channel_id = ? AND slack_ts = ?", channelID, ts)
	return errors.Wrap(err, "failed to delete events")
}
