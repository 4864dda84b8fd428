// Package notify implements the best-effort notification dispatcher: one
// message per recipient, rendered per recipient, individual failures logged
// and swallowed.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "questbot/pkg/logx"
)

// Sender delivers a single direct message. Implemented by the chat
// transport adapter.
type Sender interface {
	SendDirect(ctx context.Context, recipient string, text string) error
}

// Config controls send throttling.
type Config struct {
	RatePerSec  int           // platform send throttle; default 3
	SendTimeout time.Duration // per message; default 10s
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Service struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		log:    log,
		// Token bucket: burst = rate per sec, so short spikes don't block.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Notify delivers one message per recipient. All sends are attempted even
// when some fail; errors never propagate to the caller.
func (s *Service) Notify(ctx context.Context, recipients []string, format func(recipient string) (string, error)) {
	if s.sender == nil || len(recipients) == 0 {
		return
	}

	var wg sync.WaitGroup
	var failed sync.Map
	for _, recipient := range recipients {
		if err := s.limiter.Wait(ctx); err != nil {
			s.log.Warn("notification dispatch aborted", logx.Err(err), logx.Int("remaining", len(recipients)))
			break
		}
		wg.Add(1)
		go func(recipient string) {
			defer wg.Done()
			text, err := format(recipient)
			if err != nil {
				s.log.Warn("notification render failed", logx.String("recipient", recipient), logx.Err(err))
				failed.Store(recipient, err)
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			defer cancel()
			if err := s.sender.SendDirect(sendCtx, recipient, text); err != nil {
				s.log.Warn("notification send failed", logx.String("recipient", recipient), logx.Err(err))
				failed.Store(recipient, err)
			}
		}(recipient)
	}
	wg.Wait()

	failures := 0
	failed.Range(func(_, _ any) bool { failures++; return true })
	if failures > 0 {
		s.log.Info("notification batch finished with failures",
			logx.Int("recipients", len(recipients)), logx.Int("failed", failures))
	} else {
		s.log.Debug("notification batch delivered", logx.Int("recipients", len(recipients)))
	}
}
