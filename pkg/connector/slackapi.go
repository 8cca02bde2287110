// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/aiku/mautrix-slack/pkg/ghost"
	"github.com/aiku/mautrix-slack/pkg/msgconv"
)

// slackAPI wraps the Slack Web API client. All calls share one rate limiter
// and run under a per-call timeout.
type slackAPI struct {
	client     *slack.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	apiURL     string
	botToken   string
	httpClient *http.Client
}

var (
	_ ghost.SourceClient = (*slackAPI)(nil)
	_ msgconv.SlackAPI   = (*slackAPI)(nil)
)

func newSlackAPI(cfg SlackConfig, httpClient *http.Client) *slackAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	timeout := seconds(cfg.APITimeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	api := &slackAPI{
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		timeout:    timeout,
		apiURL:     cfg.APIURL,
		botToken:   cfg.BotToken,
		httpClient: httpClient,
	}
	api.client = api.clientForToken(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return api
}

func (s *slackAPI) clientForToken(token string, extra ...slack.Option) *slack.Client {
	opts := []slack.Option{slack.OptionHTTPClient(s.httpClient)}
	if s.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(s.apiURL))
	}
	return slack.New(token, append(opts, extra...)...)
}

// call waits for the rate limiter and returns a context bounded by the API
// timeout.
func (s *slackAPI) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "rate limiter")
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	return callCtx, cancel, nil
}

// usersInfoResponse adds image_1024, which slack-go's UserProfile does not
// decode. The outer Profile shadows slack.User's.
type usersInfoResponse struct {
	slack.SlackResponse
	User struct {
		slack.User
		Profile struct {
			slack.UserProfile
			Image1024 string `json:"image_1024"`
		} `json:"profile"`
	} `json:"user"`
}

func (s *slackAPI) GetUserInfo(ctx context.Context, userID string) (*ghost.UserInfo, error) {
	callCtx, cancel, err := s.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var resp usersInfoResponse
	if err := s.postForm(callCtx, "users.info", url.Values{"user": {userID}}, &resp); err != nil {
		return nil, errors.Wrap(err, "users.info")
	}
	user := resp.User
	return &ghost.UserInfo{
		ID:            user.ID,
		TeamID:        user.TeamID,
		Username:      user.Name,
		DisplayName:   user.Profile.DisplayName,
		RealName:      firstNonEmpty(user.Profile.RealName, user.RealName),
		AvatarHash:    user.Profile.AvatarHash,
		ImageOriginal: user.Profile.ImageOriginal,
		Image1024:     user.Profile.Image1024,
		Image512:      user.Profile.Image512,
		Image192:      user.Profile.Image192,
		Image72:       user.Profile.Image72,
		Image48:       user.Profile.Image48,
		IsBot:         user.IsBot,
	}, nil
}

// postForm calls a Web API method with the bot token and decodes the reply
// into out, which must embed slack.SlackResponse.
func (s *slackAPI) postForm(ctx context.Context, method string, values url.Values, out interface{ Err() error }) error {
	endpoint := s.apiURL
	if endpoint == "" {
		endpoint = slack.APIURL
	}
	values.Set("token", s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+method, strings.NewReader(values.Encode()))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return out.Err()
}

func (s *slackAPI) GetBotInfo(ctx context.Context, botID string) (*ghost.BotInfo, error) {
	callCtx, cancel, err := s.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	bot, err := s.client.GetBotInfoContext(callCtx, slack.GetBotInfoParameters{Bot: botID})
	if err != nil {
		return nil, errors.Wrap(err, "bots.info")
	}
	return &ghost.BotInfo{
		ID:      bot.ID,
		Name:    bot.Name,
		Image72: bot.Icons.Image72,
		Image48: bot.Icons.Image48,
		Image36: bot.Icons.Image36,
	}, nil
}

func (s *slackAPI) GetConversationName(ctx context.Context, channelID string) (string, error) {
	callCtx, cancel, err := s.call(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	channel, err := s.client.GetConversationInfoContext(callCtx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return "", errors.Wrap(err, "conversations.info")
	}
	return channel.Name, nil
}

// DownloadFile fetches a private file URL with the given token, which may
// belong to a puppeted user rather than the bot.
func (s *slackAPI) DownloadFile(ctx context.Context, token, url string) ([]byte, error) {
	callCtx, cancel, err := s.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var buf bytes.Buffer
	if err := s.clientForToken(token).GetFileContext(callCtx, url, &buf); err != nil {
		return nil, errors.Wrap(err, "failed to download file")
	}
	return buf.Bytes(), nil
}

// slackIdentity is who a token authenticates as.
type slackIdentity struct {
	TeamID string
	UserID string
	BotID  string
	User   string
}

// AuthTest checks a token. An empty token tests the bot token.
func (s *slackAPI) AuthTest(ctx context.Context, token string) (*slackIdentity, error) {
	callCtx, cancel, err := s.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	client := s.client
	if token != "" {
		client = s.clientForToken(token)
	}
	resp, err := client.AuthTestContext(callCtx)
	if err != nil {
		return nil, errors.Wrap(err, "auth.test")
	}
	return &slackIdentity{TeamID: resp.TeamID, UserID: resp.UserID, BotID: resp.BotID, User: resp.User}, nil
}

// TeamInfo returns the bot's workspace.
func (s *slackAPI) TeamInfo(ctx context.Context) (*slack.TeamInfo, error) {
	callCtx, cancel, err := s.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	team, err := s.client.GetTeamInfoContext(callCtx)
	return team, errors.Wrap(err, "team.info")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
