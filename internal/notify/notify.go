// Package notify delivers timer and operator messages over Telegram.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"scenedeck/pkg/logx"
)

var ErrDisabled = errors.New("notifications disabled")

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

// Service is a rate-limited notification sender. Failed sends are the
// caller's problem to log; the service never retries on its own so a firing
// timer cannot wedge behind a broken transport.
type Service struct {
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	chatID  int64
	limiter *rate.Limiter
	enabled bool
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	s := &Service{log: log}
	s.Apply(cfg)
	if !cfg.Enabled {
		return s, nil
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	s.bot = bot
	return s, nil
}

// Apply updates target and rate settings. The bot transport itself is fixed
// at construction; a token change requires a restart.
func (s *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.mu.Lock()
	s.enabled = cfg.Enabled
	s.chatID = cfg.ChatID
	// Token bucket with burst = rate per sec so short spikes don't block.
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

// Send delivers message to the configured chat, honoring the rate limit.
func (s *Service) Send(ctx context.Context, message string) error {
	s.mu.Lock()
	enabled := s.enabled
	chatID := s.chatID
	lim := s.limiter
	s.mu.Unlock()

	if !enabled || s.bot == nil {
		return ErrDisabled
	}
	if chatID == 0 {
		return errors.New("notification chat not configured")
	}

	wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := lim.Wait(wctx); err != nil {
		return err
	}

	_, err := s.bot.Send(tele.ChatID(chatID), message)
	return err
}
