/*
 * Copyright (c) 2025, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package outline

import (
	"github.com/database64128/shadowsocks-uri-generator-sub001/generator/common/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outline",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Outline management API requests by operation and status code.",
		},
		[]string{"operation", "code"})

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outline",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Outline management API request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"})
)

// RegisterMetrics registers the client request metrics with registerer.
// Registering the same metrics twice is not an error.
func RegisterMetrics(registerer prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{requestsTotal, requestDuration} {
		err := registerer.Register(collector)
		if err != nil {
			var alreadyRegistered prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegistered) {
				continue
			}
			return errors.Trace(err)
		}
	}
	return nil
}
