// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"github.com/pkg/errors"
)

// GetMatrixUsername returns the Matrix handle recorded for a Slack user, or
// "" when there is none.
func (d *Database) GetMatrixUsername(ctx context.Context, slackUserID string) (string, error) {
	var username string
	err := d.db.QueryRowContext(ctx,
		"SELECT matrix_username FROM matrix_usernames WHERE slack_user_id = ?", slackUserID).Scan(&username)
	if noRows(err) {
		return "", nil
	} else if err != nil {
		return "", errors.Wrap(err, "failed to get matrix username")
	}
	return username, nil
}

// SetMatrixUsername records the Matrix handle for a Slack user.
func (d *Database) SetMatrixUsername(ctx context.Context, slackUserID, matrixUsername string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO matrix_usernames (slack_user_id, matrix_username) VALUES (?, ?)
		ON CONFLICT (slack_user_id) DO UPDATE SET matrix_username = excluded.matrix_username`,
		slackUserID, matrixUsername)
	return errors.Wrap(err, "failed to set matrix username")
}
