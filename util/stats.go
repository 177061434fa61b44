// Copyright 2019 - 2023 The Samply Community
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

package util

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DurationStatistics represents statistics about the fetch latencies of an
// export run. Comprises information about the mean and max as well as
// different percentiles (50, 95 and 99).
type DurationStatistics struct {
	Mean, Q50, Q95, Q99, Max time.Duration
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond)
}

// CalculateDurationStatistics calculates the DurationStatistics of durations
// given in seconds. The durations are left unchanged.
func CalculateDurationStatistics(durations []float64) DurationStatistics {
	if len(durations) == 0 {
		return DurationStatistics{}
	}

	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)
	return DurationStatistics{
		Mean: seconds(stat.Mean(sorted, nil)),
		Q50:  seconds(stat.Quantile(0.5, stat.Empirical, sorted, nil)),
		Q95:  seconds(stat.Quantile(0.95, stat.Empirical, sorted, nil)),
		Q99:  seconds(stat.Quantile(0.99, stat.Empirical, sorted, nil)),
		Max:  seconds(floats.Max(sorted)),
	}
}

// FmtBytesHumanReadable takes an amount of bytes and returns them in a human readable form
// up to a unit of PiB.
func FmtBytesHumanReadable(bytes float64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

	unitIdx := 0
	for bytes > 1024 && unitIdx < len(units)-1 {
		bytes /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%.2f %s", bytes, units[unitIdx])
}

// FmtDurationHumanReadable returns durations under a minute with millisecond
// precision and longer ones with second precision.
func FmtDurationHumanReadable(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

// FmtRate returns count per second over d with one decimal place.
func FmtRate(count int, d time.Duration) string {
	if d <= 0 {
		return "0.0/s"
	}
	return fmt.Sprintf("%.1f/s", float64(count)/d.Seconds())
}
