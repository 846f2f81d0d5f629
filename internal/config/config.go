package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/viewora/viewora-go/internal/util"
)

type Config struct {
	API   API   `json:"api"`
	Chat  Chat  `json:"chat"`
	Call  Call  `json:"call"`
	Media Media `json:"media"`
	Store Store `json:"store"`
}

type API struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token"`
	TimeoutSec int    `json:"timeout_seconds"`

	// Cookie-session login. When email is set the agent logs in on startup;
	// otherwise it relies on the bearer token alone.
	Email    string `json:"email"`
	Password string `json:"password"`

	// PushToken, when set, is registered with the backend in listen mode so
	// the account gets push notifications for this agent.
	PushToken string `json:"push_token"`
}

type Chat struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// TLS selects wss:// instead of ws://, mirroring how the web client picks
	// the socket scheme from the page scheme.
	TLS bool `json:"tls"`

	// Reconnect backoff. The first retry fires after reconnect_base_ms; each
	// further failure doubles the delay up to reconnect_max_ms.
	ReconnectBaseMS int `json:"reconnect_base_ms"`
	ReconnectMaxMS  int `json:"reconnect_max_ms"`

	// How long WaitOpen callers are willing to wait for the socket to reach
	// OPEN before giving up.
	OpenTimeoutSec int `json:"open_timeout_seconds"`

	// In-memory history kept per conversation.
	HistoryLimit int `json:"history_limit"`
}

type Call struct {
	StunURLs []string     `json:"stun_urls"`
	Turn     []TurnServer `json:"turn_servers"`

	// Ring cadence: call_request is repeated every ring_interval_seconds until
	// the callee accepts or ring_timeout_seconds elapses.
	RingIntervalSec int `json:"ring_interval_seconds"`
	RingTimeoutSec  int `json:"ring_timeout_seconds"`
}

// TurnServer is one relay credential triple.
type TurnServer struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

type Media struct {
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`

	// Disabled skips camera/mic capture entirely; calls are set up
	// receive-only. Used on headless hosts and in tests.
	Disabled bool `json:"disabled"`
}

type Store struct {
	// Path to the local cache database directory, relative to the agent directory.
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		API: API{
			BaseURL:    "http://localhost:8000",
			TimeoutSec: 10,
		},
		Chat: Chat{
			Host:            "localhost",
			Port:            8000,
			TLS:             false,
			ReconnectBaseMS: 1500,
			ReconnectMaxMS:  24000,
			OpenTimeoutSec:  10,
			HistoryLimit:    500,
		},
		Call: Call{
			StunURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			Turn: []TurnServer{
				{URL: "turn:openrelay.metered.ca:80", Username: "openrelayproject", Credential: "openrelayproject"},
				{URL: "turn:openrelay.metered.ca:443", Username: "openrelayproject", Credential: "openrelayproject"},
			},
			RingIntervalSec: 2,
			RingTimeoutSec:  30,
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
		},
		Store: Store{
			DBPath: "data",
		},
	}
}

func (c *Config) Validate() error {
	// API
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("api.base_url must be an http(s) URL")
	}
	if c.API.TimeoutSec <= 0 {
		return errors.New("api.timeout_seconds must be > 0")
	}

	// Chat
	if strings.TrimSpace(c.Chat.Host) == "" {
		return errors.New("chat.host is required")
	}
	if c.Chat.Port <= 0 || c.Chat.Port > 65535 {
		return errors.New("chat.port must be 1..65535")
	}
	if c.Chat.ReconnectBaseMS <= 0 {
		return errors.New("chat.reconnect_base_ms must be > 0")
	}
	if c.Chat.ReconnectMaxMS < c.Chat.ReconnectBaseMS {
		return errors.New("chat.reconnect_max_ms must be >= chat.reconnect_base_ms")
	}
	if c.Chat.OpenTimeoutSec <= 0 {
		return errors.New("chat.open_timeout_seconds must be > 0")
	}
	if c.Chat.HistoryLimit <= 0 {
		return errors.New("chat.history_limit must be > 0")
	}

	// Call
	if len(c.Call.StunURLs) == 0 && len(c.Call.Turn) == 0 {
		return errors.New("call: at least one STUN or TURN server is required")
	}
	for _, s := range c.Call.StunURLs {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("call.stun_urls: %q must start with stun: or stuns:", s)
		}
	}
	for _, t := range c.Call.Turn {
		if !strings.HasPrefix(t.URL, "turn:") && !strings.HasPrefix(t.URL, "turns:") {
			return fmt.Errorf("call.turn_servers: %q must start with turn: or turns:", t.URL)
		}
		if t.Username == "" || t.Credential == "" {
			return fmt.Errorf("call.turn_servers: %q needs username and credential", t.URL)
		}
	}
	if c.Call.RingIntervalSec <= 0 {
		return errors.New("call.ring_interval_seconds must be > 0")
	}
	if c.Call.RingTimeoutSec <= c.Call.RingIntervalSec {
		return errors.New("call.ring_timeout_seconds must be > call.ring_interval_seconds")
	}

	// Media
	if !c.Media.Disabled {
		if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
			return errors.New("media.max_width and media.max_height must be > 0")
		}
	}

	// Store
	if strings.TrimSpace(c.Store.DBPath) == "" {
		return errors.New("store.db_path is required")
	}

	return nil
}

// ApplyEnv overlays secrets from the environment so tokens never need to live
// in the config file. VIEWORA_API_TOKEN wins over api.token.
func (c *Config) ApplyEnv() {
	if tok := strings.TrimSpace(os.Getenv("VIEWORA_API_TOKEN")); tok != "" {
		c.API.Token = tok
	}
	if base := strings.TrimSpace(os.Getenv("VIEWORA_API_BASE_URL")); base != "" {
		c.API.BaseURL = base
	}
	if email := strings.TrimSpace(os.Getenv("VIEWORA_API_EMAIL")); email != "" {
		c.API.Email = email
	}
	if pw := os.Getenv("VIEWORA_API_PASSWORD"); pw != "" {
		c.API.Password = pw
	}
	if pt := strings.TrimSpace(os.Getenv("VIEWORA_PUSH_TOKEN")); pt != "" {
		c.API.PushToken = pt
	}
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
