package notifier

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"memorable/internal/eventbus"
	"memorable/internal/model"
	logx "memorable/pkg/logx"
)

var (
	ErrNoChannel     = errors.New("no channel for delivery method")
	ErrNoRecipient   = errors.New("payload has no recipient")
	ErrRateLimited   = errors.New("rate limit wait exceeded send deadline")
	ErrNotConfigured = errors.New("channel not configured")
)

type route struct {
	ch      Channel
	limiter *rate.Limiter
}

// Service routes payloads to channels. It is safe for concurrent use.
type Service struct {
	mu     sync.RWMutex
	cfg    Config
	routes map[model.DeliveryMethod]*route
	log    logx.Logger
	bus    eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the channels enabled in cfg.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	s := &Service{log: log.Component("notifier"), bus: bus}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func withDefaults(cfg Config) Config {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return cfg
}

// Apply rebuilds channels from cfg. On error the previous channels stay.
func (s *Service) Apply(cfg Config) error {
	cfg = withDefaults(cfg)
	chans := map[model.DeliveryMethod]Channel{}
	if cfg.Email.Enabled {
		ch, err := NewEmail(cfg.Email)
		if err != nil {
			return err
		}
		chans[model.MethodEmail] = ch
	}
	if cfg.SMS.Enabled {
		ch, err := NewSMS(cfg.SMS, nil)
		if err != nil {
			return err
		}
		chans[model.MethodSMS] = ch
	}
	if cfg.Telegram.Enabled {
		ch, err := NewTelegram(cfg.Telegram, nil)
		if err != nil {
			return err
		}
		chans[model.MethodTelegram] = ch
	}
	if cfg.Log.Enabled {
		chans[model.MethodLog] = NewLog(s.log)
	}

	routes := make(map[model.DeliveryMethod]*route, len(chans))
	for m, ch := range chans {
		routes[m] = &route{ch: ch, limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.routes = routes
	s.mu.Unlock()

	names := make([]string, 0, len(routes))
	for m := range routes {
		names = append(names, string(m))
	}
	s.log.Info("notifier channels ready", logx.String("channels", strings.Join(names, ",")))
	return nil
}

// Register installs (or replaces) the channel for method.
func (s *Service) Register(method model.DeliveryMethod, ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := withDefaults(s.cfg)
	if s.routes == nil {
		s.routes = map[model.DeliveryMethod]*route{}
	}
	s.routes[method.Normalize()] = &route{ch: ch, limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)}
}

// Methods lists the delivery methods that currently have a channel.
func (s *Service) Methods() []model.DeliveryMethod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeliveryMethod, 0, len(s.routes))
	for m := range s.routes {
		out = append(out, m)
	}
	return out
}

// Send transmits p once over its channel.
func (s *Service) Send(ctx context.Context, p model.Payload) error {
	method := p.Method.Normalize()
	s.mu.RLock()
	r := s.routes[method]
	timeout := s.cfg.SendTimeout
	s.mu.RUnlock()

	start := time.Now()
	err := s.send(ctx, r, method, p, timeout)
	s.note(method, p.Recipient, start, err)
	return err
}

func (s *Service) send(ctx context.Context, r *route, method model.DeliveryMethod, p model.Payload, timeout time.Duration) error {
	if r == nil {
		return errors.Wrapf(ErrNoChannel, "%q", method)
	}
	if strings.TrimSpace(p.Recipient) == "" {
		return errors.Wrapf(ErrNoRecipient, "%s", method)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Mark(errors.Wrapf(err, "%s rate limit", method), ErrRateLimited)
	}
	if err := r.ch.Send(ctx, p); err != nil {
		return errors.Wrapf(err, "%s send", method)
	}
	return nil
}

func (s *Service) note(method model.DeliveryMethod, to string, start time.Time, err error) {
	now := time.Now()
	item := HistoryItem{At: now, Method: method, To: to, Duration: now.Sub(start)}
	ev := NotificationEvent{Method: method, To: to, At: now}
	typ := eventbus.TypeNotifierSent
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		typ = eventbus.TypeNotifierFailed
		s.log.Warn("send failed", logx.String("method", string(method)), logx.Err(err))
	} else {
		s.log.Debug("sent", logx.String("method", string(method)), logx.Duration("dur", item.Duration))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}

	s.mu.RLock()
	limit := s.cfg.HistorySize
	s.mu.RUnlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if limit > 0 && len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

// History returns recent sends, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
