// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector bridges Slack into Matrix as an application service.
//
// Slack events arrive over Socket Mode and are queued per channel, so events
// in one channel are handled in the order Slack sent them while different
// channels proceed concurrently. Each message is translated by
// [msgconv.MessageConverter] and sent by the ghost of its author, managed by
// a [ghost.Store].
//
// # Core Types
//
// [SlackConnector] owns the bridge lifecycle: the appservice, the Slack Web
// API client, the puppet registry and the admin API.
//
// [SlackClient] consumes Socket Mode events and dispatches messages, edits,
// deletions, reactions and typing notifications.
//
// [PuppetClient] maps a Matrix user to their own Slack user token. Puppets
// are configured via environment variables (SLACK_PUPPET_*) or the
// hot-reload HTTP API at POST /api/reload-puppets, and are the only way to
// read files shared in private channels.
//
// # Echo Prevention
//
// Messages written by the bridge's own Slack bot are dropped, matched by bot
// user ID, bot ID and the configurable username prefix.
//
// # Sub-packages
//
//   - slackfmt converts Slack mrkdwn to HTML for the markdown renderer.
package connector
