// Package state keeps per-session conversation history so follow-up
// questions reach the experts with prior turns.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

var ErrInvalidSession = errors.New("session id is empty")

const (
	defaultKeyPrefix     = "expert:conv:"
	defaultTTL           = 24 * time.Hour
	defaultMaxTurns      = 20
	maxResponseSizeBytes = 2 << 20
)

type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) {
		s.ttl = ttl
	}
}

// WithMaxTurns bounds the retained history; older turns are trimmed on append.
func WithMaxTurns(n int) StoreOption {
	return func(s *UpstashRedisStore) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore keeps each session's turns in a Redis list through the
// Upstash REST API.
type UpstashRedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
	maxTurns   int
}

var _ contractx.ConversationStore = (*UpstashRedisStore)(nil)

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL      string        `envconfig:"URL" split_words:"true" required:"true"`
	Token    string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout  time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	TTL      time.Duration `envconfig:"TTL" default:"24h"`
	MaxTurns int           `envconfig:"MAX_TURNS" split_words:"true" default:"20"`
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	store := &UpstashRedisStore{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		keyPrefix:  defaultKeyPrefix,
		ttl:        ttl,
		maxTurns:   maxTurns,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return store, nil
}

// History returns the retained turns oldest first. Unknown sessions yield an
// empty history.
func (s *UpstashRedisStore) History(ctx context.Context, sessionID string) ([]contractx.Turn, error) {
	key, err := s.redisKey(sessionID)
	if err != nil {
		return nil, err
	}

	resp, err := s.exec(ctx, []any{"LRANGE", key, -s.maxTurns, -1})
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, nil
	}

	var encoded []string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode history payload: %w", err)
	}

	turns := make([]contractx.Turn, 0, len(encoded))
	for _, raw := range encoded {
		var turn contractx.Turn
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Append pushes turns, trims the list to the retention bound and refreshes
// the expiry in one pipeline.
func (s *UpstashRedisStore) Append(ctx context.Context, sessionID string, turns ...contractx.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	key, err := s.redisKey(sessionID)
	if err != nil {
		return err
	}

	push := []any{"RPUSH", key}
	for _, turn := range turns {
		if turn.At.IsZero() {
			turn.At = time.Now().UTC()
		}
		payload, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		push = append(push, string(payload))
	}

	commands := [][]any{push, {"LTRIM", key, -s.maxTurns, -1}}
	if s.ttl > 0 {
		commands = append(commands, []any{"EXPIRE", key, ttlSeconds(s.ttl)})
	}
	return s.pipeline(ctx, commands)
}

func (s *UpstashRedisStore) Delete(ctx context.Context, sessionID string) error {
	key, err := s.redisKey(sessionID)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, []any{"DEL", key})
	return err
}

func (s *UpstashRedisStore) redisKey(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", ErrInvalidSession
	}
	prefix := strings.TrimSpace(s.keyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return prefix + sessionID + ":history", nil
}

func (s *UpstashRedisStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}
	raw, err := s.post(ctx, s.baseURL, command)
	if err != nil {
		return nil, err
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func (s *UpstashRedisStore) pipeline(ctx context.Context, commands [][]any) error {
	raw, err := s.post(ctx, s.baseURL+"/pipeline", commands)
	if err != nil {
		return err
	}

	var parsed []redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode redis pipeline response: %w", err)
	}
	for i, r := range parsed {
		if r.Error != "" {
			return fmt.Errorf("redis pipeline command %d: %s", i, r.Error)
		}
	}
	return nil
}

func (s *UpstashRedisStore) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
