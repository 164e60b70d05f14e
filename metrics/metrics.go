// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports the shape of an exthash.Map as Prometheus metrics.
//
//	m := exthash.New[PageID, *Frame](64)
//	prometheus.MustRegister(metrics.NewCollector("page_table", m))
package metrics

import (
	"github.com/cockroachdb/exthash"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is implemented by *exthash.Map for every key and value type.
type StatsSource interface {
	Stats() exthash.Stats
}

// Collector is a prometheus.Collector reporting the Stats of a single map.
// The values are read from the map at collection time.
type Collector struct {
	src StatsSource

	globalDepth *prometheus.Desc
	buckets     *prometheus.Desc
	entries     *prometheus.Desc
	splits      *prometheus.Desc
	doublings   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector for src. Every metric carries a "table"
// label set to name so that several maps can be registered at once.
func NewCollector(name string, src StatsSource) *Collector {
	labels := prometheus.Labels{"table": name}
	return &Collector{
		src: src,
		globalDepth: prometheus.NewDesc("exthash_global_depth",
			"Number of low-order hash bits used to index the directory.", nil, labels),
		buckets: prometheus.NewDesc("exthash_buckets",
			"Number of distinct buckets referenced by the directory.", nil, labels),
		entries: prometheus.NewDesc("exthash_entries",
			"Number of entries in the map.", nil, labels),
		splits: prometheus.NewDesc("exthash_splits_total",
			"Number of bucket splits.", nil, labels),
		doublings: prometheus.NewDesc("exthash_directory_doublings_total",
			"Number of times the directory doubled.", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.globalDepth
	ch <- c.buckets
	ch <- c.entries
	ch <- c.splits
	ch <- c.doublings
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.globalDepth, prometheus.GaugeValue, float64(s.GlobalDepth))
	ch <- prometheus.MustNewConstMetric(c.buckets, prometheus.GaugeValue, float64(s.Buckets))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.splits, prometheus.CounterValue, float64(s.Splits))
	ch <- prometheus.MustNewConstMetric(c.doublings, prometheus.CounterValue, float64(s.Doublings))
}
