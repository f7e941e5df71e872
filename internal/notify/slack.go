package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/austindbirch/bus_relay/internal/config"
)

var levelEmoji = map[Level]string{
	LevelInfo:  ":information_source:",
	LevelWarn:  ":warning:",
	LevelError: ":rotating_light:",
}

// SlackSink posts to a Slack incoming webhook. Messages over the rate limit
// are dropped rather than queued.
type SlackSink struct {
	hookURL  string
	channel  string
	botName  string
	appKey   string
	limiter  *rate.Limiter
	maxTries uint
	interval time.Duration
	post     func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlack returns nil when Slack is disabled or any of the hook URL,
// channel and bot name is missing.
func NewSlack(cfg config.Slack) *SlackSink {
	if !cfg.Enabled || cfg.HookURL == "" || cfg.Channel == "" || cfg.BotName == "" {
		return nil
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 30
	}
	return &SlackSink{
		hookURL:  cfg.HookURL,
		channel:  cfg.Channel,
		botName:  cfg.BotName,
		appKey:   cfg.AppKey,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
		maxTries: 3,
		interval: 500 * time.Millisecond,
		post:     slack.PostWebhookContext,
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, level Level, msg string) error {
	if !s.limiter.Allow() {
		return ErrDropped
	}
	wm := &slack.WebhookMessage{
		Channel:   s.channel,
		Username:  s.botName,
		IconEmoji: levelEmoji[level],
		Text:      s.format(level, msg),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.interval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.post(ctx, s.hookURL, wm)
		var sc slack.StatusCodeError
		if errors.As(err, &sc) && sc.Code < 500 {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func (s *SlackSink) format(level Level, msg string) string {
	var sb strings.Builder
	if s.appKey != "" {
		sb.WriteString("[" + s.appKey + "] ")
	}
	if level != LevelInfo {
		sb.WriteString("*" + strings.ToUpper(string(level)) + "* ")
	}
	sb.WriteString(msg)
	return sb.String()
}
