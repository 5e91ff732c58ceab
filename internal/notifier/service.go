package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goalbot/internal/eventbus"
	logx "goalbot/pkg/logx"

	rtsup "goalbot/internal/runtime/supervisor"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	historyMax  = 300
	sendTimeout = 10 * time.Second
)

type job struct {
	chatID int64
	text   string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent; a disabled notifier starts nothing.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Notification failures are best-effort, never fatal to the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64)
		sup.Go0("intake", func(c context.Context) {
			defer unsub()
			s.intakeLoop(c, events)
		})
	}

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.Go0(name, func(c context.Context) {
			s.workerLoop(c, q)
		})
	}
}

// Stop blocks intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish, then the closed queue drains the workers.
		s.enqueueWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) intakeLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.EventRunFinished {
				continue
			}
			re, ok := ev.Data.(eventbus.RunEvent)
			if !ok {
				continue
			}
			chatID := re.NotifyChatID
			if chatID == 0 {
				s.mu.Lock()
				chatID = s.cfg.DefaultChatID
				s.mu.Unlock()
			}
			if chatID == 0 {
				continue
			}
			if err := s.Notify(ctx, chatID, formatRunSummary(re)); err != nil {
				s.log.Warn("run summary dropped",
					logx.String("run", re.RunID), logx.Err(err))
			}
		}
	}
}

// Notify enqueues one message. Callers other than the intake loop are
// expected to be rare (ops commands, tests).
func (s *Service) Notify(ctx context.Context, chatID int64, text string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if text == "" || chatID == 0 {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	select {
	case q <- job{chatID: chatID, text: text}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.sender == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.sender.SendText(callCtx, j.chatID, j.text)
		cancel()
		if err == nil {
			s.appendHistory(j)
			return
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.Int64("chat", j.chatID),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
	s.log.Warn("notification abandoned",
		logx.Int64("chat", j.chatID),
		logx.Int("attempts", maxAttempts),
		logx.Err(lastErr),
	)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << (attempt - 1)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	// 20% jitter to avoid herds after a transport hiccup.
	j := time.Duration(rand.Int63n(int64(d/5) + 1))
	return d + j
}

func (s *Service) appendHistory(j job) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: j.chatID, Text: j.text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

// Snapshot returns recently delivered messages, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}
