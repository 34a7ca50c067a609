package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/collabiq/collabiq/internal/domain"
)

// Strategy decides which providers serve one extraction request.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, o *Orchestrator, in domain.ExtractInput) (domain.ExtractResult, error)
}

// Strategy names.
const (
	StrategyFailover     = "failover"
	StrategyConsensus    = "consensus"
	StrategyBestMatch    = "bestmatch"
	StrategyAllProviders = "allproviders"
)

// StrategyByName resolves a strategy by its wire name.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case StrategyFailover:
		return failoverStrategy{}, nil
	case StrategyConsensus:
		return consensusStrategy{}, nil
	case StrategyBestMatch:
		return bestMatchStrategy{}, nil
	case StrategyAllProviders:
		return allProvidersStrategy{}, nil
	default:
		return nil, fmt.Errorf("op=llm.StrategyByName: unknown strategy %q", name)
	}
}

// failoverStrategy tries candidates in order and returns the first success.
type failoverStrategy struct{}

func (failoverStrategy) Name() string { return StrategyFailover }

func (failoverStrategy) Execute(ctx context.Context, o *Orchestrator, in domain.ExtractInput) (domain.ExtractResult, error) {
	var lastErr error
	for _, provider := range o.failoverOrder() {
		res, err := o.attempt(ctx, provider, in)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return domain.ExtractResult{}, ctx.Err()
		}
		slog.Info("failover continuing to next provider",
			slog.String("provider", provider),
			slog.Any("error", err))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return domain.ExtractResult{}, lastErr
}

// outcome pairs one provider's fan-out result with its error.
type outcome struct {
	provider string
	result   domain.ExtractResult
	err      error
}

// fanOut invokes all healthy providers concurrently and joins on all of
// them. Peer attempts share the derived context so cancelling the surrounding
// extract aborts in-flight calls.
func fanOut(ctx context.Context, o *Orchestrator, in domain.ExtractInput) ([]outcome, error) {
	providers := o.healthyProviders()
	if len(providers) == 0 {
		return nil, fmt.Errorf("no healthy providers")
	}
	outcomes := make([]outcome, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, provider := range providers {
		g.Go(func() error {
			res, err := o.attempt(gctx, provider, in)
			mu.Lock()
			outcomes[i] = outcome{provider: provider, result: res, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func successes(outcomes []outcome) []outcome {
	var ok []outcome
	for _, oc := range outcomes {
		if oc.err == nil {
			ok = append(ok, oc)
		}
	}
	return ok
}

func firstError(outcomes []outcome) error {
	for _, oc := range outcomes {
		if oc.err != nil {
			return oc.err
		}
	}
	return fmt.Errorf("no results")
}

// bestMatchStrategy fans out to all healthy providers and returns the result
// with the highest overall confidence.
type bestMatchStrategy struct{}

func (bestMatchStrategy) Name() string { return StrategyBestMatch }

func (bestMatchStrategy) Execute(ctx context.Context, o *Orchestrator, in domain.ExtractInput) (domain.ExtractResult, error) {
	outcomes, err := fanOut(ctx, o, in)
	if err != nil {
		return domain.ExtractResult{}, err
	}
	ok := successes(outcomes)
	if len(ok) == 0 {
		return domain.ExtractResult{}, firstError(outcomes)
	}
	best := ok[0]
	for _, oc := range ok[1:] {
		if oc.result.Entities.Confidence.Mean() > best.result.Entities.Confidence.Mean() {
			best = oc
		}
	}
	return best.result, nil
}

// allProvidersStrategy fans out to every healthy provider, guaranteeing that
// quality metrics are recorded for each, and returns the result from the
// provider with the highest quality score.
type allProvidersStrategy struct{}

func (allProvidersStrategy) Name() string { return StrategyAllProviders }

func (allProvidersStrategy) Execute(ctx context.Context, o *Orchestrator, in domain.ExtractInput) (domain.ExtractResult, error) {
	outcomes, err := fanOut(ctx, o, in)
	if err != nil {
		return domain.ExtractResult{}, err
	}
	ok := successes(outcomes)
	if len(ok) == 0 {
		return domain.ExtractResult{}, firstError(outcomes)
	}
	best := ok[0]
	bestScore := o.quality.QualityScore(best.provider)
	for _, oc := range ok[1:] {
		if score := o.quality.QualityScore(oc.provider); score > bestScore {
			best, bestScore = oc, score
		}
	}
	return best.result, nil
}

// consensusStrategy fans out to all healthy providers and majority-votes per
// field, breaking ties by higher per-field confidence. The consensus field
// confidence is the mean of the contributing confidences.
type consensusStrategy struct{}

func (consensusStrategy) Name() string { return StrategyConsensus }

func (consensusStrategy) Execute(ctx context.Context, o *Orchestrator, in domain.ExtractInput) (domain.ExtractResult, error) {
	outcomes, err := fanOut(ctx, o, in)
	if err != nil {
		return domain.ExtractResult{}, err
	}
	ok := successes(outcomes)
	if len(ok) == 0 {
		return domain.ExtractResult{}, firstError(outcomes)
	}
	if len(ok) == 1 {
		return ok[0].result, nil
	}

	entities := make([]domain.ExtractedEntities, len(ok))
	for i, oc := range ok {
		entities[i] = oc.result.Entities
	}
	merged := domain.ExtractedEntities{
		Provider:    StrategyConsensus,
		EmailID:     in.EmailID,
		ExtractedAt: time.Now().UTC(),
	}
	merged.Person, merged.Confidence.Person = voteString(entities, func(e domain.ExtractedEntities) (*string, float64) { return e.Person, e.Confidence.Person })
	merged.Startup, merged.Confidence.Startup = voteString(entities, func(e domain.ExtractedEntities) (*string, float64) { return e.Startup, e.Confidence.Startup })
	merged.Partner, merged.Confidence.Partner = voteString(entities, func(e domain.ExtractedEntities) (*string, float64) { return e.Partner, e.Confidence.Partner })
	merged.Details, merged.Confidence.Details = voteString(entities, func(e domain.ExtractedEntities) (*string, float64) { return e.Details, e.Confidence.Details })
	merged.Date, merged.Confidence.Date = voteDate(entities)

	usage := domain.Usage{}
	for _, oc := range ok {
		usage.InTokens += oc.result.Usage.InTokens
		usage.OutTokens += oc.result.Usage.OutTokens
	}
	return domain.ExtractResult{Entities: merged, Usage: usage}, nil
}

// voteString picks the majority value for one string field. Values are voted
// on case-insensitively after trimming; the winning group's original casing
// with the highest confidence is returned.
func voteString(entities []domain.ExtractedEntities, field func(domain.ExtractedEntities) (*string, float64)) (*string, float64) {
	type group struct {
		value   string
		votes   int
		sumConf float64
		topConf float64
	}
	groups := make(map[string]*group)
	for _, e := range entities {
		v, conf := field(e)
		if v == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(*v))
		g, ok := groups[key]
		if !ok {
			g = &group{value: *v}
			groups[key] = g
		}
		g.votes++
		g.sumConf += conf
		if conf > g.topConf {
			g.topConf = conf
			g.value = *v
		}
	}
	if len(groups) == 0 {
		return nil, 0
	}
	var winner *group
	for _, g := range groups {
		if winner == nil || g.votes > winner.votes ||
			(g.votes == winner.votes && g.topConf > winner.topConf) {
			winner = g
		}
	}
	conf := winner.sumConf / float64(winner.votes)
	v := winner.value
	return &v, conf
}

// voteDate applies the same majority rule over calendar dates.
func voteDate(entities []domain.ExtractedEntities) (*time.Time, float64) {
	type group struct {
		value   time.Time
		votes   int
		sumConf float64
		topConf float64
	}
	groups := make(map[string]*group)
	for _, e := range entities {
		if e.Date == nil {
			continue
		}
		key := e.Date.Format("2006-01-02")
		g, ok := groups[key]
		if !ok {
			g = &group{value: *e.Date}
			groups[key] = g
		}
		g.votes++
		g.sumConf += e.Confidence.Date
		if e.Confidence.Date > g.topConf {
			g.topConf = e.Confidence.Date
		}
	}
	if len(groups) == 0 {
		return nil, 0
	}
	var winner *group
	for _, g := range groups {
		if winner == nil || g.votes > winner.votes ||
			(g.votes == winner.votes && g.topConf > winner.topConf) {
			winner = g
		}
	}
	conf := winner.sumConf / float64(winner.votes)
	v := winner.value
	return &v, conf
}
