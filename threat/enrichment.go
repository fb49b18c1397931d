package threat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"aegis/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrNoFeeds is returned when a lookup is attempted with no feeds configured
var ErrNoFeeds = errors.New("no threat feeds configured")

// DefaultLookupTimeout bounds one lookup across all feeds
const DefaultLookupTimeout = 5 * time.Second

// EnrichmentEngine queries every configured feed for an indicator and merges
// their verdicts
type EnrichmentEngine struct {
	feeds   []ThreatFeed
	cache   *IOCCache
	timeout time.Duration
	group   singleflight.Group
	logger  *zap.SugaredLogger
}

// NewEnrichmentEngine creates a new enrichment engine. A nil cache disables caching.
func NewEnrichmentEngine(feeds []ThreatFeed, cache *IOCCache, logger *zap.SugaredLogger) *EnrichmentEngine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EnrichmentEngine{
		feeds:   feeds,
		cache:   cache,
		timeout: DefaultLookupTimeout,
		logger:  logger,
	}
}

// WithTimeout overrides the per-lookup budget
func (ee *EnrichmentEngine) WithTimeout(d time.Duration) *EnrichmentEngine {
	if d > 0 {
		ee.timeout = d
	}
	return ee
}

// Lookup returns the merged verdict for an indicator. Feeds that fail are
// skipped; the lookup errors only when every feed failed.
func (ee *EnrichmentEngine) Lookup(ctx context.Context, iocType IOCType, value string) (*ThreatIntel, error) {
	if len(ee.feeds) == 0 {
		return nil, ErrNoFeeds
	}
	if normalize(value) == "" {
		return nil, fmt.Errorf("empty %s indicator", iocType)
	}

	if ee.cache != nil {
		if cached, ok := ee.cache.Get(iocType, value); ok {
			metrics.ThreatLookups.WithLabelValues("cache", "hit").Inc()
			return cached, nil
		}
	}

	v, err, _ := ee.group.Do(cacheKey(iocType, value), func() (interface{}, error) {
		return ee.query(ctx, iocType, value)
	})
	if err != nil {
		return nil, err
	}
	intel := v.(*ThreatIntel)
	if ee.cache != nil {
		ee.cache.Set(iocType, value, intel)
	}
	return intel, nil
}

func (ee *EnrichmentEngine) query(ctx context.Context, iocType IOCType, value string) (*ThreatIntel, error) {
	ctx, cancel := context.WithTimeout(ctx, ee.timeout)
	defer cancel()

	verdicts := make([]*ThreatIntel, len(ee.feeds))
	errs := make([]error, len(ee.feeds))

	var g errgroup.Group
	for i, feed := range ee.feeds {
		g.Go(func() error {
			intel, err := feed.CheckIOC(ctx, value, iocType)
			if err != nil {
				metrics.ThreatLookups.WithLabelValues(feed.Name(), "error").Inc()
				ee.logger.Warnw("Threat feed lookup failed",
					"feed", feed.Name(),
					"ioc", value,
					"type", iocType,
					"error", err)
				errs[i] = err
				return nil
			}
			result := "clean"
			if intel.IsMalicious {
				result = "malicious"
			}
			metrics.ThreatLookups.WithLabelValues(feed.Name(), result).Inc()
			verdicts[i] = intel
			return nil
		})
	}
	_ = g.Wait()

	merged := merge(value, iocType, verdicts)
	if merged == nil {
		return nil, fmt.Errorf("all threat feeds failed for %s: %w", value, errors.Join(errs...))
	}
	return merged, nil
}

// merge combines feed verdicts: malicious if any feed says so, the highest
// confidence, and the union of tags and sources. Nil entries are skipped.
func merge(value string, iocType IOCType, verdicts []*ThreatIntel) *ThreatIntel {
	var out *ThreatIntel
	tags := map[string]bool{}
	sources := map[string]bool{}

	for _, v := range verdicts {
		if v == nil {
			continue
		}
		if out == nil {
			out = cleanIntel(value, iocType, v.Description)
		}
		if v.IsMalicious && !out.IsMalicious {
			out.Description = v.Description
		}
		out.IsMalicious = out.IsMalicious || v.IsMalicious
		if v.Confidence > out.Confidence {
			out.Confidence = v.Confidence
		}
		for _, t := range v.Tags {
			tags[t] = true
		}
		for _, s := range v.Sources {
			sources[s] = true
		}
		out.References = append(out.References, v.References...)
		for k, val := range v.Metadata {
			if _, exists := out.Metadata[k]; !exists {
				out.Metadata[k] = val
			}
		}
	}
	if out == nil {
		return nil
	}
	out.Tags = sortedKeys(tags)
	out.Sources = sortedKeys(sources)
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
