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
	"errors"
	"fmt"
	"strings"
	"time"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// ExportStats summarize one export run.
type ExportStats struct {
	RunID                   string
	Patients                int
	Rows                    int
	Batches                 int
	Fetches                 int
	FetchDurations          []float64
	TotalPages              int
	TotalBytesIn            int64
	TotalDuration           time.Duration
	InlineOperationOutcomes []*fm.OperationOutcome
	Error                   error
}

func (es *ExportStats) String() string {

	builder := strings.Builder{}
	if es.RunID != "" {
		builder.WriteString(fmt.Sprintf("Run		[id]			%s\n", es.RunID))
	}
	builder.WriteString(fmt.Sprintf("Patients	[total]			%d\n", es.Patients))
	builder.WriteString(fmt.Sprintf("Rows		[total]			%d\n", es.Rows))
	builder.WriteString(fmt.Sprintf("Batches		[total]			%d\n", es.Batches))

	if es.Batches > 0 {
		builder.WriteString(fmt.Sprintf("Patients/Batch	[mean]			%d\n", es.Patients/es.Batches))
	}

	builder.WriteString(fmt.Sprintf("Fetches		[total]			%d\n", es.Fetches))
	builder.WriteString(fmt.Sprintf("Duration	[total]			%s\n", FmtDurationHumanReadable(es.TotalDuration)))
	if es.TotalDuration > 0 {
		builder.WriteString(fmt.Sprintf("Patients/s	[mean]			%s\n", FmtRate(es.Patients, es.TotalDuration)))
	}

	if len(es.FetchDurations) > 0 {
		p := CalculateDurationStatistics(es.FetchDurations)
		builder.WriteString(fmt.Sprintf("Fetch Latencies	[mean, 50, 95, 99, max]	%s, %s, %s, %s, %s\n", p.Mean, p.Q50, p.Q95, p.Q99, p.Max))
	}

	if es.TotalPages > 0 {
		builder.WriteString(fmt.Sprintf("Pages		[total]			%d\n", es.TotalPages))
		builder.WriteString(fmt.Sprintf("Bytes In	[total, mean]		%s, %s\n", FmtBytesHumanReadable(float64(es.TotalBytesIn)), FmtBytesHumanReadable(float64(es.TotalBytesIn)/float64(es.TotalPages))))
	}

	if len(es.InlineOperationOutcomes) > 0 {
		builder.WriteString("\nServer Warnings & Information:\n")
		builder.WriteString(Indent(2, FmtOperationOutcomes(es.InlineOperationOutcomes)))
	}

	if es.Error != nil {
		var errRes *ErrorResponse
		if errors.As(es.Error, &errRes) {
			builder.WriteString("\nServer Error:\n")
			builder.WriteString(Indent(2, errRes.String()))
		} else {
			builder.WriteString("\nError:\n")
			builder.WriteString(Indent(2, es.Error.Error()))
			builder.WriteString("\n")
		}
	}

	return builder.String()
}
