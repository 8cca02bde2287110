// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// SlackClient receives events from Slack over Socket Mode and hands them to
// the per-channel queue.
type SlackClient struct {
	connector *SlackConnector
	events    <-chan socketmode.Event
	ack       func(socketmode.Request)
	run       func(context.Context) error
	queue     *channelQueue
	log       zerolog.Logger
}

func newSlackClient(connector *SlackConnector, events <-chan socketmode.Event, ack func(socketmode.Request), run func(context.Context) error) *SlackClient {
	log := connector.log.With().Str("component", "slack_client").Logger()
	return &SlackClient{
		connector: connector,
		events:    events,
		ack:       ack,
		run:       run,
		queue:     newChannelQueue(context.Background(), log),
		log:       log,
	}
}

// Run consumes events until ctx is done. The Socket Mode client reconnects
// on its own; an error from it is final.
func (c *SlackClient) Run(ctx context.Context) error {
	c.queue.ctx = ctx
	go c.listen(ctx)
	if err := c.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "slack socket mode")
	}
	return nil
}

func (c *SlackClient) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.events:
			if !ok {
				c.log.Warn().Msg("Socket Mode event channel closed")
				return
			}
			c.handleSocketEvent(ctx, evt)
		}
	}
}

func (c *SlackClient) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		c.log.Info().Msg("Connecting to Slack")
	case socketmode.EventTypeConnected:
		c.log.Info().Msg("Connected to Slack")
	case socketmode.EventTypeConnectionError:
		c.log.Warn().Interface("data", evt.Data).Msg("Slack connection error, retrying")
	case socketmode.EventTypeEventsAPI:
		if evt.Request == nil {
			return
		}
		// Slack redelivers anything not acknowledged within three seconds.
		c.ack(*evt.Request)
		var callback slackevents.EventsAPICallbackEvent
		if err := json.Unmarshal(evt.Request.Payload, &callback); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode Events API payload")
			return
		}
		if callback.Type != slackevents.CallbackEvent || callback.InnerEvent == nil {
			return
		}
		c.handleCallback(ctx, callback.TeamID, *callback.InnerEvent)
	default:
		// Acknowledge unknown events to prevent Socket Mode disconnection.
		if evt.Request != nil {
			c.ack(*evt.Request)
		}
	}
}
