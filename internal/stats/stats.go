// Package stats translates evaluation outcomes into sharded counter
// increments and reads them back as aggregate views. It owns the counter
// key layout; nothing else in the codebase constructs counter keys.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/switchboard-io/switchboard/internal/bucket"
	"github.com/switchboard-io/switchboard/internal/counter"
	"github.com/switchboard-io/switchboard/internal/evaluation"
	"github.com/switchboard-io/switchboard/internal/model"
)

// Counter key families. Each family has its own prefix so entity deletion
// can sweep a family by prefix without touching neighbours.
//
//	cfg:<platform>:<environment>:<key>                     config fetches
//	flag:<platform>:<environment>:<key>                    flag evaluations
//	flagc:<platform>:<environment>:<key>:<country>         by country
//	flagd:<platform>:<environment>:<key>:<yyyy-mm-dd>      daily series
//	exp:<platform>:<environment>:<key>:<variation>         exposures
//	expm:<platform>:<environment>:<key>:<variation>:<metric> conversions
const (
	prefixConfig           = "cfg"
	prefixFlag             = "flag"
	prefixFlagCountry      = "flagc"
	prefixFlagDaily        = "flagd"
	prefixExperiment       = "exp"
	prefixExperimentMetric = "expm"
)

// Counter field names within a shard.
const (
	fieldRequests      = "requests"
	fieldServedA       = "served_a"
	fieldServedB       = "served_b"
	fieldServedDefault = "served_default"
	fieldFetches       = "fetches"
	fieldParticipants  = "participants"
	fieldConversions   = "conversions"
)

const dailyLayout = "2006-01-02"

// Service records and aggregates measurement counters on top of a sharded
// counter store.
type Service struct {
	counters counter.Store
	now      func() time.Time
}

func New(counters counter.Store) *Service {
	return &Service{counters: counters, now: time.Now}
}

func entityKey(prefix, platform, environment, key string) string {
	return fmt.Sprintf("%s:%s:%s:%s", prefix, platform, environment, key)
}

// shardFor spreads writes by the distinct counter key, so a hot entity's
// dimensional breakdowns shard independently of its base counter.
func (s *Service) shardFor(distinctKey string) int {
	return bucket.ShardIndex(distinctKey, s.counters.NumShards())
}

// RecordConfigFetch counts one served config parameter fetch.
func (s *Service) RecordConfigFetch(ctx context.Context, platform, environment, key string) error {
	base := entityKey(prefixConfig, platform, environment, key)
	err := s.counters.IncrementShard(ctx,
		counter.ShardKey{BaseKey: base, Shard: s.shardFor(key)},
		map[string]int64{fieldFetches: 1},
	)
	return eris.Wrapf(err, "stats: record config fetch %s", base)
}

// RecordFlagEvaluation counts one flag evaluation outcome: the base counter,
// the by-country breakdown when the context carries a country, and the daily
// series bucket for the evaluation day.
func (s *Service) RecordFlagEvaluation(ctx context.Context, platform, environment, key string, res evaluation.FlagResult, evalCtx model.EvaluationContext) error {
	fields := map[string]int64{fieldRequests: 1}
	switch res.ServedValue {
	case model.ServedValueA:
		fields[fieldServedA] = 1
	case model.ServedValueB:
		fields[fieldServedB] = 1
	default:
		fields[fieldServedDefault] = 1
	}

	base := entityKey(prefixFlag, platform, environment, key)
	if err := s.counters.IncrementShard(ctx,
		counter.ShardKey{BaseKey: base, Shard: s.shardFor(key)}, fields,
	); err != nil {
		return eris.Wrapf(err, "stats: record flag evaluation %s", base)
	}

	if evalCtx.Country != "" {
		countryKey := entityKey(prefixFlagCountry, platform, environment, key) + ":" + evalCtx.Country
		if err := s.counters.IncrementShard(ctx,
			counter.ShardKey{BaseKey: countryKey, Shard: s.shardFor(key + evalCtx.Country)}, fields,
		); err != nil {
			return eris.Wrapf(err, "stats: record flag country breakdown %s", countryKey)
		}
	}

	// The date already partitions daily writes, shard 0 is enough.
	dailyKey := entityKey(prefixFlagDaily, platform, environment, key) + ":" + s.now().UTC().Format(dailyLayout)
	err := s.counters.IncrementShard(ctx,
		counter.ShardKey{BaseKey: dailyKey, Shard: 0},
		map[string]int64{fieldRequests: 1},
	)
	return eris.Wrapf(err, "stats: record flag daily %s", dailyKey)
}

// RecordExposure counts one experiment participant for a variation. The
// caller guarantees exactly-once semantics per assignment event.
func (s *Service) RecordExposure(ctx context.Context, platform, environment, key, variationKey string) error {
	base := entityKey(prefixExperiment, platform, environment, key) + ":" + variationKey
	err := s.counters.IncrementShard(ctx,
		counter.ShardKey{BaseKey: base, Shard: s.shardFor(key + variationKey)},
		map[string]int64{fieldParticipants: 1},
	)
	return eris.Wrapf(err, "stats: record exposure %s", base)
}

// RecordConversion counts one metric conversion for a variation.
func (s *Service) RecordConversion(ctx context.Context, platform, environment, key, variationKey, metricKey string) error {
	base := entityKey(prefixExperimentMetric, platform, environment, key) + ":" + variationKey + ":" + metricKey
	err := s.counters.IncrementShard(ctx,
		counter.ShardKey{BaseKey: base, Shard: s.shardFor(key + variationKey + metricKey)},
		map[string]int64{fieldConversions: 1},
	)
	return eris.Wrapf(err, "stats: record conversion %s", base)
}

// ConfigStats is the aggregate view of a config parameter's counters.
type ConfigStats struct {
	Fetches int64 `json:"fetches"`
}

// FlagStats is the aggregate view of a flag's evaluation counters.
type FlagStats struct {
	Requests      int64 `json:"requests"`
	ServedA       int64 `json:"servedA"`
	ServedB       int64 `json:"servedB"`
	ServedDefault int64 `json:"servedDefault"`
}

// DailyCount is one day of a flag's evaluation series.
type DailyCount struct {
	Date     string `json:"date"`
	Requests int64  `json:"requests"`
}

func (s *Service) ConfigStats(ctx context.Context, platform, environment, key string) (*ConfigStats, error) {
	fields, err := s.counters.ReadAllShards(ctx, entityKey(prefixConfig, platform, environment, key))
	if err != nil {
		return nil, eris.Wrapf(err, "stats: config stats %s", key)
	}
	return &ConfigStats{Fetches: fields[fieldFetches]}, nil
}

func (s *Service) FlagStats(ctx context.Context, platform, environment, key string) (*FlagStats, error) {
	fields, err := s.counters.ReadAllShards(ctx, entityKey(prefixFlag, platform, environment, key))
	if err != nil {
		return nil, eris.Wrapf(err, "stats: flag stats %s", key)
	}
	return flagStatsFromFields(fields), nil
}

// FlagStatsByCountry reads the by-country breakdown for the given countries.
// Countries with no recorded evaluations come back with zeroed stats.
func (s *Service) FlagStatsByCountry(ctx context.Context, platform, environment, key string, countries []string) (map[string]FlagStats, error) {
	byCountry := make(map[string]FlagStats, len(countries))
	results := make([]*FlagStats, len(countries))

	g, ctx := errgroup.WithContext(ctx)
	for i, country := range countries {
		i, country := i, country
		g.Go(func() error {
			base := entityKey(prefixFlagCountry, platform, environment, key) + ":" + country
			fields, err := s.counters.ReadAllShards(ctx, base)
			if err != nil {
				return eris.Wrapf(err, "stats: flag country stats %s", base)
			}
			results[i] = flagStatsFromFields(fields)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, country := range countries {
		byCountry[country] = *results[i]
	}
	return byCountry, nil
}

// FlagDailySeries reads the daily request series between from and to
// inclusive, in chronological order. Days without traffic read as zero.
func (s *Service) FlagDailySeries(ctx context.Context, platform, environment, key string, from, to time.Time) ([]DailyCount, error) {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return nil, eris.Errorf("stats: daily series range inverted (%s after %s)",
			from.Format(dailyLayout), to.Format(dailyLayout))
	}

	var series []DailyCount
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		date := day.Format(dailyLayout)
		base := entityKey(prefixFlagDaily, platform, environment, key) + ":" + date
		fields, err := s.counters.ReadShard(ctx, counter.ShardKey{BaseKey: base, Shard: 0})
		if err != nil {
			return nil, eris.Wrapf(err, "stats: flag daily %s", base)
		}
		series = append(series, DailyCount{Date: date, Requests: fields[fieldRequests]})
	}
	return series, nil
}

// ExperimentStats returns participant counts per variation key.
func (s *Service) ExperimentStats(ctx context.Context, exp *model.Experiment) (map[string]int64, error) {
	participants := make(map[string]int64, len(exp.Variations))
	counts := make([]int64, len(exp.Variations))

	g, ctx := errgroup.WithContext(ctx)
	for i, v := range exp.Variations {
		i, v := i, v
		g.Go(func() error {
			base := entityKey(prefixExperiment, exp.Platform, exp.Environment, exp.Key) + ":" + v.Key
			fields, err := s.counters.ReadAllShards(ctx, base)
			if err != nil {
				return eris.Wrapf(err, "stats: experiment participants %s", base)
			}
			counts[i] = fields[fieldParticipants]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, v := range exp.Variations {
		participants[v.Key] = counts[i]
	}
	return participants, nil
}

// ExperimentMetricStats returns conversion counts per variation key for one
// metric.
func (s *Service) ExperimentMetricStats(ctx context.Context, exp *model.Experiment, metricKey string) (map[string]int64, error) {
	conversions := make(map[string]int64, len(exp.Variations))
	counts := make([]int64, len(exp.Variations))

	g, ctx := errgroup.WithContext(ctx)
	for i, v := range exp.Variations {
		i, v := i, v
		g.Go(func() error {
			base := entityKey(prefixExperimentMetric, exp.Platform, exp.Environment, exp.Key) + ":" + v.Key + ":" + metricKey
			fields, err := s.counters.ReadAllShards(ctx, base)
			if err != nil {
				return eris.Wrapf(err, "stats: experiment conversions %s", base)
			}
			counts[i] = fields[fieldConversions]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, v := range exp.Variations {
		conversions[v.Key] = counts[i]
	}
	return conversions, nil
}

// EntityKind selects which counter families DeleteEntityStats sweeps.
type EntityKind string

const (
	EntityKindConfig     EntityKind = "config"
	EntityKindFlag       EntityKind = "flag"
	EntityKindExperiment EntityKind = "experiment"
)

// DeleteEntityStats removes every counter belonging to an entity. Called
// when the entity itself is deleted; counters are never deleted otherwise.
func (s *Service) DeleteEntityStats(ctx context.Context, kind EntityKind, platform, environment, key string) error {
	var prefixes []string
	switch kind {
	case EntityKindConfig:
		prefixes = []string{prefixConfig}
	case EntityKindFlag:
		prefixes = []string{prefixFlag, prefixFlagCountry, prefixFlagDaily}
	case EntityKindExperiment:
		prefixes = []string{prefixExperiment, prefixExperimentMetric}
	default:
		return eris.Errorf("stats: unknown entity kind %q", kind)
	}

	for _, prefix := range prefixes {
		base := entityKey(prefix, platform, environment, key)
		if err := s.counters.DeletePrefix(ctx, base); err != nil {
			return eris.Wrapf(err, "stats: delete counters %s", base)
		}
	}
	return nil
}

func flagStatsFromFields(fields map[string]int64) *FlagStats {
	return &FlagStats{
		Requests:      fields[fieldRequests],
		ServedA:       fields[fieldServedA],
		ServedB:       fields[fieldServedB],
		ServedDefault: fields[fieldServedDefault],
	}
}
