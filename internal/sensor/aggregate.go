package sensor

import (
	"sort"
	"time"
)

// MetricSummary is the zone-wide view of one metric.
type MetricSummary struct {
	Metric  string    `json:"metric"`
	Unit    string    `json:"unit"`
	Average float64   `json:"average"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Devices int       `json:"devices"`
	Newest  time.Time `json:"newest"`
}

// ZoneSummary aggregates the latest readings of every device in a zone.
type ZoneSummary struct {
	ZoneID  string          `json:"zoneId"`
	Metrics []MetricSummary `json:"metrics"`
}

// SummarizeZone averages the latest reading per device for each metric.
// Readings with differing units for the same metric are summarized separately,
// since values are stored in each vendor's native unit.
func SummarizeZone(zoneID string, latest []SensorReading) ZoneSummary {
	type bucketKey struct{ metric, unit string }

	buckets := make(map[bucketKey][]SensorReading)
	for _, r := range latest {
		if r.ZoneID != zoneID {
			continue
		}
		k := bucketKey{r.Metric, r.Unit}
		buckets[k] = append(buckets[k], r)
	}

	summary := ZoneSummary{ZoneID: zoneID, Metrics: make([]MetricSummary, 0, len(buckets))}
	for k, readings := range buckets {
		ms := MetricSummary{Metric: k.metric, Unit: k.unit, Min: readings[0].Value, Max: readings[0].Value}
		var sum float64
		for _, r := range readings {
			sum += r.Value
			if r.Value < ms.Min {
				ms.Min = r.Value
			}
			if r.Value > ms.Max {
				ms.Max = r.Value
			}
			if r.ObservedAt.After(ms.Newest) {
				ms.Newest = r.ObservedAt
			}
		}
		ms.Devices = len(readings)
		ms.Average = sum / float64(len(readings))
		summary.Metrics = append(summary.Metrics, ms)
	}

	sort.Slice(summary.Metrics, func(i, j int) bool {
		if summary.Metrics[i].Metric != summary.Metrics[j].Metric {
			return summary.Metrics[i].Metric < summary.Metrics[j].Metric
		}
		return summary.Metrics[i].Unit < summary.Metrics[j].Unit
	})
	return summary
}
