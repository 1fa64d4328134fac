package domain

import (
	"sort"
	"time"
)

// TimeframeUnit is the base unit of a chart timeframe.
type TimeframeUnit string

const (
	UnitMinute TimeframeUnit = "minute"
	UnitHour   TimeframeUnit = "hour"
	UnitDay    TimeframeUnit = "day"
)

// Timeframe describes one candle aggregation period, e.g. {minute, 15}.
type Timeframe struct {
	Unit       TimeframeUnit
	Multiplier int
}

// BucketStart returns the start of the bucket containing t. The mapping is
// deterministic and idempotent: BucketStart(BucketStart(t)) == BucketStart(t).
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	mult := tf.Multiplier
	if mult <= 0 {
		mult = 1
	}
	switch tf.Unit {
	case UnitHour:
		hour := t.Hour() - t.Hour()%mult
		return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
	case UnitDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	default: // minute
		min := t.Minute() - t.Minute()%mult
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), min, 0, 0, t.Location())
	}
}

// Duration returns the nominal length of one bucket. Calendar effects (DST)
// are ignored; callers only use this for polling cadence hints.
func (tf Timeframe) Duration() time.Duration {
	mult := tf.Multiplier
	if mult <= 0 {
		mult = 1
	}
	switch tf.Unit {
	case UnitHour:
		return time.Duration(mult) * time.Hour
	case UnitDay:
		return time.Duration(mult) * 24 * time.Hour
	default:
		return time.Duration(mult) * time.Minute
	}
}

// Candle is one OHLC aggregation bucket for a symbol and timeframe.
// BucketStart is aligned to the timeframe boundary. Closed buckets are
// immutable; only the latest in-progress bucket is updated in place.
type Candle struct {
	BucketStart time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// ApplyTick folds one price tick into a candle series, returning the updated
// series. The series must be ascending by bucket start; the result preserves
// that invariant. When the tick falls into the last candle's bucket the last
// candle is updated (close, high, low), otherwise a new candle seeded
// open=high=low=close=price is appended.
func ApplyTick(series []Candle, tf Timeframe, price float64, ts time.Time) []Candle {
	bucket := tf.BucketStart(ts)
	n := len(series)
	if n == 0 || !series[n-1].BucketStart.Equal(bucket) {
		return append(series, Candle{
			BucketStart: bucket,
			Open:        price,
			High:        price,
			Low:         price,
			Close:       price,
		})
	}
	last := &series[n-1]
	last.Close = price
	if price > last.High {
		last.High = price
	}
	if price < last.Low {
		last.Low = price
	}
	return series
}

// ApplyBar folds one finalized bar into a candle series, keyed by the bar's
// bucket. A bar for the last candle's bucket replaces that candle's OHLC with
// merged values; any other bucket appends.
func ApplyBar(series []Candle, tf Timeframe, bar Candle) []Candle {
	bucket := tf.BucketStart(bar.BucketStart)
	bar.BucketStart = bucket
	n := len(series)
	if n == 0 || !series[n-1].BucketStart.Equal(bucket) {
		return append(series, bar)
	}
	last := &series[n-1]
	last.Close = bar.Close
	if bar.High > last.High {
		last.High = bar.High
	}
	if bar.Low < last.Low {
		last.Low = bar.Low
	}
	last.Volume += bar.Volume
	return series
}

// MergeHistory unions a bulk historical fetch with an existing in-memory
// series. Duplicate buckets are dropped keeping the candle already present
// (historical data precedes live data, so the same bucket should not carry
// conflicting values). The result is sorted ascending by bucket start.
func MergeHistory(existing, fetched []Candle) []Candle {
	seen := make(map[int64]struct{}, len(existing)+len(fetched))
	merged := make([]Candle, 0, len(existing)+len(fetched))
	for _, c := range existing {
		key := c.BucketStart.Unix()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, c)
	}
	for _, c := range fetched {
		key := c.BucketStart.Unix()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].BucketStart.Before(merged[j].BucketStart)
	})
	return merged
}
