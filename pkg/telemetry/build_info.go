// SPDX-FileCopyrightText: 2025 Deutsche Telekom IT GmbH
//
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	buildInfoMetricName = "pathfinder_build_info"
	buildInfoHelp       = "Build information of the pathfinder binary that produced the metrics."
)

// RegisterBuildInfo registers the pathfinder_build_info info-style metric on the given registry.
// The gauge is set to 1 with the labels version, goversion and hostname.
func RegisterBuildInfo(registry *prometheus.Registry, version, hostname string) error {
	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: buildInfoMetricName,
			Help: buildInfoHelp,
		},
		[]string{"version", "goversion", "hostname"},
	)
	info.WithLabelValues(version, runtime.Version(), hostname).Set(1)
	return registry.Register(info)
}
