package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onurcolak/link-relay/internal/cache"
	"github.com/onurcolak/link-relay/internal/dispatch"
	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/internal/eligibility"
	"github.com/onurcolak/link-relay/internal/extractor"
	"github.com/onurcolak/link-relay/pkg/logger"
)

// Small internal interfaces so the pipeline is tested without real
// MySQL, Valkey, conversion service or platform.
type guildConfigStore interface {
	Get(ctx context.Context, guildID string) (*domain.GuildConfig, error)
}

type conversionCache interface {
	Resolve(ctx context.Context, accountID, originalURL string, convert cache.ConvertFunc) (string, error)
	Len() int
}

type converter interface {
	Convert(ctx context.Context, accountID, originalURL string) (string, error)
}

type dispatcher interface {
	Do(ctx context.Context, dest string, fn func(ctx context.Context) error) error
}

type relayer interface {
	Relay(ctx context.Context, msg domain.Message, content string, cfg *domain.GuildConfig) (domain.RelayResult, error)
}

type notifier interface {
	ConfigError(ctx context.Context, guildID string, err error) bool
	RecoverableError(ctx context.Context, guildID, messageID string, err error)
	Reset(guildID string)
}

// HaltStore shares guild halts between instances.
type HaltStore interface {
	HaltGuild(ctx context.Context, guildID, reason string) error
	ResumeGuild(ctx context.Context, guildID string) error
	IsGuildHalted(ctx context.Context, guildID string) (bool, error)
}

type Recorder interface {
	RecordOutcome(outcome string)
	RecordConversion(result string)
	ObserveRelayLatency(d time.Duration)
	MessageStarted()
	MessageFinished()
}

type Dependencies struct {
	Configs    guildConfigStore
	Extractor  *extractor.Extractor
	Classifier *eligibility.Classifier
	Cache      conversionCache
	Converter  converter
	Dispatcher dispatcher
	Relayer    relayer
	Locker     Locker
	Notifier   notifier
	Halts      HaltStore // optional
	Recorder   Recorder  // optional
}

type Stats struct {
	Outcomes     map[domain.Outcome]int64 `json:"outcomes"`
	InFlight     int64                    `json:"inFlight"`
	HaltedGuilds []string                 `json:"haltedGuilds"`
	CacheEntries int                      `json:"cacheEntries"`
	ShuttingDown bool                     `json:"shuttingDown"`
}

// Pipeline runs every message through gate, extraction, classification,
// conversion and relay.
type Pipeline struct {
	deps Dependencies

	mu       sync.Mutex
	closing  bool
	halted   map[string]struct{}
	outcomes map[domain.Outcome]int64
	inFlight int64

	// Canceled on shutdown. Conversions and backoff waits derive from it;
	// relays do not.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(deps Dependencies) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		deps:     deps,
		halted:   make(map[string]struct{}),
		outcomes: make(map[domain.Outcome]int64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit processes msg asynchronously. It fails once shutdown has begun.
func (p *Pipeline) Submit(msg domain.Message) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return domain.ErrShuttingDown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.HandleMessage(context.Background(), msg)
	}()

	return nil
}

// HandleMessage processes msg synchronously and reports what happened to it.
func (p *Pipeline) HandleMessage(ctx context.Context, msg domain.Message) domain.Outcome {
	p.started()
	outcome := p.handle(ctx, msg)
	p.finished(outcome)

	logger.Debugf("Message %s in guild %s: %s", msg.ID, msg.GuildID, outcome)
	return outcome
}

func (p *Pipeline) handle(ctx context.Context, msg domain.Message) domain.Outcome {
	if msg.AuthorIsBot || msg.WebhookID != "" || msg.GuildID == "" {
		return domain.OutcomeIgnored
	}

	cfg, err := p.deps.Configs.Get(ctx, msg.GuildID)
	if err != nil {
		p.deps.Notifier.RecoverableError(ctx, msg.GuildID, msg.ID, fmt.Errorf("guild config lookup failed: %w", err))
		return domain.OutcomeFailed
	}
	if !cfg.HasAccount() {
		return domain.OutcomeUnconfigured
	}
	if p.isHalted(ctx, msg.GuildID) {
		return domain.OutcomeHalted
	}

	if eligibility.IsExempt(msg.AuthorRoleIDs, cfg.WhitelistedRoleID) {
		return domain.OutcomeExempt
	}

	spans := p.deps.Extractor.Extract(msg.Content)
	eligible := eligibility.Eligible(p.deps.Classifier.Classify(&msg, spans, cfg))
	if len(eligible) == 0 {
		return domain.OutcomeNoLinks
	}

	release, ok := p.deps.Locker.TryLock(ctx, msg.ID)
	if !ok {
		return domain.OutcomeDuplicate
	}
	defer release()

	convCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	replacements, err := p.convertAll(convCtx, msg, cfg, eligible)
	switch {
	case err == nil:
	case domain.IsConfigError(err):
		p.halt(ctx, msg.GuildID, err)
		return domain.OutcomeConfigError
	case p.ctx.Err() != nil:
		logger.Warnf("Message %s abandoned: shutting down during conversion", msg.ID)
		return domain.OutcomeAbandoned
	default:
		p.deps.Notifier.RecoverableError(ctx, msg.GuildID, msg.ID, err)
		return domain.OutcomeFailed
	}

	if len(replacements) == 0 {
		return domain.OutcomeUnchanged
	}

	content := WithFooter(Rewrite(msg.Content, replacements), cfg.FooterText)
	if content == msg.Content {
		return domain.OutcomeUnchanged
	}

	// A relay that started is finished even during shutdown, so the original
	// is never left deleted without its replacement.
	result, err := p.deps.Relayer.Relay(context.WithoutCancel(ctx), msg, content, cfg)
	if err != nil {
		if domain.IsConfigError(err) {
			p.deps.Notifier.ConfigError(ctx, msg.GuildID, err)
			return domain.OutcomeConfigError
		}
		p.deps.Notifier.RecoverableError(ctx, msg.GuildID, msg.ID, err)
		return domain.OutcomeRelayFailed
	}

	if p.deps.Recorder != nil && !msg.ReceivedAt.IsZero() {
		p.deps.Recorder.ObserveRelayLatency(time.Since(msg.ReceivedAt))
	}
	logger.Infof("Relayed message %s in channel %s via %s (%d links)",
		msg.ID, msg.ChannelID, result.Strategy, len(replacements))

	return domain.OutcomeRelayed
}

// convertAll converts every eligible span concurrently. A span that fails
// recoverably stays as it was; a configuration error cancels the siblings
// and is returned.
func (p *Pipeline) convertAll(
	ctx context.Context,
	msg domain.Message,
	cfg *domain.GuildConfig,
	spans []domain.URLSpan,
) ([]domain.Replacement, error) {
	converted := make([]string, len(spans))

	g, gctx := errgroup.WithContext(ctx)
	for i, span := range spans {
		g.Go(func() error {
			affiliate, err := p.convert(gctx, cfg.AccountID, extractor.Normalize(span.URL))
			switch {
			case err == nil:
				converted[i] = affiliate
				return nil
			case domain.IsConfigError(err):
				return err
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				p.deps.Notifier.RecoverableError(ctx, msg.GuildID, msg.ID,
					fmt.Errorf("link %s left unchanged: %w", span.URL, err))
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var replacements []domain.Replacement
	for i, span := range spans {
		if converted[i] == "" {
			continue
		}
		replacements = append(replacements, domain.Replacement{Span: span, With: converted[i]})
	}
	return replacements, nil
}

func (p *Pipeline) convert(ctx context.Context, accountID, target string) (string, error) {
	return p.deps.Cache.Resolve(ctx, accountID, target, func(ctx context.Context, accountID, u string) (string, error) {
		var affiliate string
		err := p.deps.Dispatcher.Do(ctx, dispatch.DestConverter, func(ctx context.Context) error {
			var err error
			affiliate, err = p.deps.Converter.Convert(ctx, accountID, u)
			return err
		})
		p.recordConversion(err)
		return affiliate, err
	})
}

func (p *Pipeline) halt(ctx context.Context, guildID string, err error) {
	p.mu.Lock()
	p.halted[guildID] = struct{}{}
	p.mu.Unlock()

	if p.deps.Halts != nil {
		if herr := p.deps.Halts.HaltGuild(context.WithoutCancel(ctx), guildID, err.Error()); herr != nil {
			logger.Warnf("Failed to share halt of guild %s: %v", guildID, herr)
		}
	}

	p.deps.Notifier.ConfigError(ctx, guildID, err)
}

func (p *Pipeline) isHalted(ctx context.Context, guildID string) bool {
	if p.deps.Halts != nil {
		halted, err := p.deps.Halts.IsGuildHalted(ctx, guildID)
		if err == nil {
			return halted
		}
		logger.Warnf("Shared halt lookup failed for guild %s: %v", guildID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, halted := p.halted[guildID]
	return halted
}

// ResumeGuild lifts a halt after the guild's configuration changed.
func (p *Pipeline) ResumeGuild(ctx context.Context, guildID string) error {
	p.mu.Lock()
	delete(p.halted, guildID)
	p.mu.Unlock()

	p.deps.Notifier.Reset(guildID)

	if p.deps.Halts != nil {
		if err := p.deps.Halts.ResumeGuild(ctx, guildID); err != nil {
			return fmt.Errorf("failed to resume guild %s: %w", guildID, err)
		}
	}

	logger.Infof("Guild %s resumed", guildID)
	return nil
}

// Shutdown stops accepting messages, abandons pending conversions and waits
// for in-flight messages until ctx is done. Relays already started complete.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("Pipeline drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcomes := make(map[domain.Outcome]int64, len(p.outcomes))
	for k, v := range p.outcomes {
		outcomes[k] = v
	}

	halted := make([]string, 0, len(p.halted))
	for guildID := range p.halted {
		halted = append(halted, guildID)
	}

	return Stats{
		Outcomes:     outcomes,
		InFlight:     p.inFlight,
		HaltedGuilds: halted,
		CacheEntries: p.deps.Cache.Len(),
		ShuttingDown: p.closing,
	}
}

func (p *Pipeline) started() {
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()

	if p.deps.Recorder != nil {
		p.deps.Recorder.MessageStarted()
	}
}

func (p *Pipeline) finished(outcome domain.Outcome) {
	p.mu.Lock()
	p.inFlight--
	p.outcomes[outcome]++
	p.mu.Unlock()

	if p.deps.Recorder != nil {
		p.deps.Recorder.MessageFinished()
		p.deps.Recorder.RecordOutcome(string(outcome))
	}
}

func (p *Pipeline) recordConversion(err error) {
	if p.deps.Recorder == nil {
		return
	}

	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnauthorized):
		result = "unauthorized"
	case errors.Is(err, domain.ErrInvalidURL):
		result = "invalid_url"
	case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrShuttingDown):
		result = "canceled"
	case domain.IsTransient(err):
		result = "transient"
	default:
		result = "error"
	}
	p.deps.Recorder.RecordConversion(result)
}
