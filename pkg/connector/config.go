// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-slack/pkg/ghost"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Slack      SlackConfig      `yaml:"slack"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Usernames  UsernamesConfig  `yaml:"usernames"`
	Logging    zeroconfig.Config `yaml:"logging"`

	// AdminAPIAddr is the listen address for the admin HTTP API that serves
	// /api/reload-puppets, /api/health and /metrics. Defaults to ":29320".
	AdminAPIAddr string `yaml:"admin_api_addr"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	Registration string `yaml:"registration"`
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SlackConfig holds the Slack app credentials. Tokens are usually supplied
// through SLACK_BOT_TOKEN and SLACK_APP_TOKEN instead of the file.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
	// APIURL overrides https://slack.com/api/. Must end with a slash.
	APIURL string `yaml:"api_url"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	APITimeout        int     `yaml:"api_timeout"`
}

type BridgeConfig struct {
	UsernamePrefix      string `yaml:"username_prefix"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	// BotPrefix is a username prefix for echo prevention. Any Slack username
	// starting with this prefix is treated as a bridge-managed bot and its
	// messages are not relayed to Matrix. Leave empty to disable
	// prefix-based filtering.
	BotPrefix     string `yaml:"bot_prefix"`
	TypingTimeout int    `yaml:"typing_timeout"`
	AvatarTimeout int    `yaml:"avatar_timeout"`
	MaxUploadSize int64  `yaml:"max_upload_size"`

	Rooms []RoomConfig `yaml:"rooms"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// RoomConfig links a Slack channel to an existing Matrix room at startup.
type RoomConfig struct {
	SlackChannelID string `yaml:"slack_channel_id"`
	MatrixRoomID   string `yaml:"matrix_room_id"`
	TeamID         string `yaml:"team_id"`
	Private        bool   `yaml:"private"`
}

// UsernamesConfig enables the remote username authority.
type UsernamesConfig struct {
	RemoteURL    string   `yaml:"remote_url"`
	Secret       string   `yaml:"secret"`
	EnabledTeams []string `yaml:"enabled_teams"`
	Timeout      int      `yaml:"timeout"`
}

func (c *BridgeConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig BridgeConfig
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads a YAML config file, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	cfg.applyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Slack.BotToken, "SLACK_BOT_TOKEN")
	override(&c.Slack.AppToken, "SLACK_APP_TOKEN")
	override(&c.Usernames.Secret, "USERNAME_STORE_SECRET")
	override(&c.AdminAPIAddr, "BRIDGE_API_ADDR")
}

// PostProcess fills defaults, compiles the displayname template and checks
// the fields the bridge cannot start without.
func (c *Config) PostProcess() error {
	if c.Bridge.UsernamePrefix == "" {
		c.Bridge.UsernamePrefix = "slack_"
	}
	if c.Bridge.MaxUploadSize <= 0 {
		c.Bridge.MaxUploadSize = 50 * 1024 * 1024
	}
	if c.Slack.RequestsPerSecond <= 0 {
		c.Slack.RequestsPerSecond = 1
	}
	if c.Slack.Burst <= 0 {
		c.Slack.Burst = 5
	}
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = ":29320"
	}
	if c.Slack.APIURL != "" && !strings.HasSuffix(c.Slack.APIURL, "/") {
		c.Slack.APIURL += "/"
	}

	var err error
	c.Bridge.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	if err != nil {
		return errors.Wrap(err, "invalid displayname_template")
	}

	switch {
	case c.Homeserver.Domain == "":
		return errors.New("homeserver.domain is required")
	case c.Slack.BotToken == "":
		return errors.New("slack bot token is required (slack.bot_token or SLACK_BOT_TOKEN)")
	case c.Slack.AppToken == "":
		return errors.New("slack app token is required (slack.app_token or SLACK_APP_TOKEN)")
	case c.Usernames.RemoteURL != "" && c.Usernames.Secret == "":
		return errors.New("usernames.secret is required when usernames.remote_url is set")
	}
	for i, room := range c.Bridge.Rooms {
		if room.SlackChannelID == "" || room.MatrixRoomID == "" {
			return errors.Errorf("bridge.rooms[%d] needs slack_channel_id and matrix_room_id", i)
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// FormatDisplayname renders a ghost display name from the template. An empty
// template or a failed render falls back to the Slack display name.
func (c *BridgeConfig) FormatDisplayname(params ghost.NameParams) string {
	if c.displaynameTemplate == nil || c.DisplaynameTemplate == "" {
		return params.DisplayName
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil {
		return params.DisplayName
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
