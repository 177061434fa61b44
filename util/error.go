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
	"net/http"
	"strings"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// ErrorResponse is a non-ok response of the FHIR server to one of the bulk
// fetches of an export.
type ErrorResponse struct {
	Method           string
	URL              string
	StatusCode       int
	OperationOutcome *fm.OperationOutcome
	OtherError       string
}

// NewErrorResponse creates the ErrorResponse of a request. Bodies that can't
// be parsed as OperationOutcome are kept as text.
func NewErrorResponse(request *http.Request, statusCode int, body []byte) *ErrorResponse {
	errRes := &ErrorResponse{StatusCode: statusCode}
	if request != nil {
		errRes.Method = request.Method
		errRes.URL = request.URL.String()
	}
	if outcome, err := fm.UnmarshalOperationOutcome(body); err == nil {
		errRes.OperationOutcome = &outcome
	} else {
		errRes.OtherError = strings.TrimSpace(string(body))
	}
	return errRes
}

// NotFound reports whether the requested resource doesn't exist or was
// deleted.
func (errRes *ErrorResponse) NotFound() bool {
	return errRes.StatusCode == http.StatusNotFound || errRes.StatusCode == http.StatusGone
}

// diagnostics returns the diagnostics or details of the first issue.
func (errRes *ErrorResponse) diagnostics() string {
	if errRes.OperationOutcome == nil || len(errRes.OperationOutcome.Issue) == 0 {
		return ""
	}
	issue := errRes.OperationOutcome.Issue[0]
	switch {
	case issue.Diagnostics != nil:
		return *issue.Diagnostics
	case issue.Details != nil && issue.Details.Text != nil:
		return *issue.Details.Text
	}
	return ""
}

func (errRes *ErrorResponse) Error() string {
	msg := fmt.Sprintf("FHIR server responded with status %d", errRes.StatusCode)
	if errRes.URL != "" {
		msg += fmt.Sprintf(" to %s %s", errRes.Method, errRes.URL)
	}
	if diagnostics := errRes.diagnostics(); diagnostics != "" {
		msg += ": " + diagnostics
	}
	return msg
}

// String returns the ErrorResponse in a default formatted way.
func (errRes *ErrorResponse) String() string {
	builder := strings.Builder{}
	writeField(&builder, "StatusCode", fmt.Sprintf("%d", errRes.StatusCode))
	if errRes.URL != "" {
		writeField(&builder, "Request", errRes.Method+" "+errRes.URL)
	}
	if errRes.OperationOutcome != nil {
		builder.WriteString(FmtOperationOutcomes([]*fm.OperationOutcome{errRes.OperationOutcome}))
	}
	if len(errRes.OtherError) > 0 {
		writeField(&builder, "Error", errRes.OtherError)
	}
	return builder.String()
}

const labelWidth = 12

// writeField writes one "Label : value" line. Continuation lines of the
// value are aligned with its first line.
func writeField(builder *strings.Builder, label string, value string) {
	value = strings.ReplaceAll(value, "\n", "\n"+strings.Repeat(" ", labelWidth+2))
	builder.WriteString(fmt.Sprintf("%-*s: %s\n", labelWidth, label, value))
}

func writeIssue(builder *strings.Builder, issue fm.OperationOutcomeIssue) {
	writeField(builder, "Severity", issue.Severity.Display())
	writeField(builder, "Code", issue.Code.Definition())
	if issue.Details != nil {
		if issue.Details.Text != nil {
			writeField(builder, "Details", *issue.Details.Text)
		}
		for _, coding := range issue.Details.Coding {
			if coding.Code != nil {
				writeField(builder, "Details", *coding.Code)
			}
		}
	}
	if issue.Diagnostics != nil {
		writeField(builder, "Diagnostics", *issue.Diagnostics)
	}
	if len(issue.Expression) > 0 {
		writeField(builder, "Expression", strings.Join(issue.Expression, ", "))
	}
}

// FmtOperationOutcomes formats the issues of all outcomes, separated by
// dashed lines.
func FmtOperationOutcomes(outcomes []*fm.OperationOutcome) string {
	builder := strings.Builder{}
	for _, outcome := range outcomes {
		if outcome == nil {
			continue
		}
		for _, issue := range outcome.Issue {
			if builder.Len() > 0 {
				builder.WriteString("---\n")
			}
			writeIssue(&builder, issue)
		}
	}
	return builder.String()
}

// Indent pads every non-empty line of v.
func Indent(spaces int, v string) string {
	pad := strings.Repeat(" ", spaces)
	lines := strings.Split(v, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = pad + line
		}
	}
	return strings.Join(lines, "\n")
}
