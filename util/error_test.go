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
	"net/http"
	"net/http/httptest"
	"testing"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invalidCode = "Content invalid against the specification or a profile."

func TestNewErrorResponse(t *testing.T) {
	request := httptest.NewRequest(http.MethodPost, "http://localhost:8080/fhir/Observation/_search", nil)

	t.Run("OperationOutcome", func(t *testing.T) {
		body := []byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"invalid","diagnostics":"unknown search parameter foo"}]}`)

		errRes := NewErrorResponse(request, http.StatusBadRequest, body)

		assert.Equal(t, http.MethodPost, errRes.Method)
		assert.Equal(t, "http://localhost:8080/fhir/Observation/_search", errRes.URL)
		require.NotNil(t, errRes.OperationOutcome)
		assert.Empty(t, errRes.OtherError)
		assert.EqualError(t, errRes, "FHIR server responded with status 400 to POST http://localhost:8080/fhir/Observation/_search: unknown search parameter foo")
	})

	t.Run("PlainText", func(t *testing.T) {
		errRes := NewErrorResponse(request, http.StatusBadGateway, []byte("Bad Gateway\n"))

		assert.Nil(t, errRes.OperationOutcome)
		assert.Equal(t, "Bad Gateway", errRes.OtherError)
		assert.EqualError(t, errRes, "FHIR server responded with status 502 to POST http://localhost:8080/fhir/Observation/_search")
	})

	t.Run("WithoutRequest", func(t *testing.T) {
		errRes := NewErrorResponse(nil, http.StatusInternalServerError, nil)
		assert.EqualError(t, errRes, "FHIR server responded with status 500")
	})
}

func TestErrorResponse_NotFound(t *testing.T) {
	assert.True(t, (&ErrorResponse{StatusCode: http.StatusNotFound}).NotFound())
	assert.True(t, (&ErrorResponse{StatusCode: http.StatusGone}).NotFound())
	assert.False(t, (&ErrorResponse{StatusCode: http.StatusBadRequest}).NotFound())
}

func TestErrorResponse_Error(t *testing.T) {
	t.Run("DetailsWithoutDiagnostics", func(t *testing.T) {
		text := "Patient/1 is not part of the cohort"
		errRes := &ErrorResponse{
			StatusCode: http.StatusBadRequest,
			OperationOutcome: &fm.OperationOutcome{
				Issue: []fm.OperationOutcomeIssue{{Details: &fm.CodeableConcept{Text: &text}}},
			},
		}
		assert.EqualError(t, errRes, "FHIR server responded with status 400: Patient/1 is not part of the cohort")
	})

	t.Run("EmptyOutcome", func(t *testing.T) {
		errRes := &ErrorResponse{StatusCode: http.StatusBadRequest, OperationOutcome: &fm.OperationOutcome{}}
		assert.EqualError(t, errRes, "FHIR server responded with status 400")
	})
}

func TestErrorResponse_String(t *testing.T) {
	t.Run("WithRequest", func(t *testing.T) {
		errRes := &ErrorResponse{
			Method:           http.MethodGet,
			URL:              "http://localhost:8080/fhir/EpisodeOfCare?_summary=count",
			StatusCode:       http.StatusBadRequest,
			OperationOutcome: &fm.OperationOutcome{},
		}
		assert.Equal(t, `StatusCode  : 400
Request     : GET http://localhost:8080/fhir/EpisodeOfCare?_summary=count
`, errRes.String())
	})

	t.Run("WithIssueDetails", func(t *testing.T) {
		text := "unknown code"
		code := "MSG_PARAM_UNKNOWN"
		diagnostics := "type=hiv"
		errRes := &ErrorResponse{
			StatusCode: http.StatusBadRequest,
			OperationOutcome: &fm.OperationOutcome{
				Issue: []fm.OperationOutcomeIssue{{
					Details:     &fm.CodeableConcept{Text: &text, Coding: []fm.Coding{{Code: &code}}},
					Diagnostics: &diagnostics,
					Expression:  []string{"EpisodeOfCare.type", "EpisodeOfCare.status"},
				}},
			},
		}
		assert.Equal(t, `StatusCode  : 400
Severity    : Fatal
Code        : `+invalidCode+`
Details     : unknown code
Details     : MSG_PARAM_UNKNOWN
Diagnostics : type=hiv
Expression  : EpisodeOfCare.type, EpisodeOfCare.status
`, errRes.String())
	})

	t.Run("WithMultiLineOtherError", func(t *testing.T) {
		errRes := &ErrorResponse{StatusCode: http.StatusBadGateway, OtherError: "upstream failed\nretry later"}
		assert.Equal(t, `StatusCode  : 502
Error       : upstream failed
              retry later
`, errRes.String())
	})
}

func TestFmtOperationOutcomes(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		assert.Empty(t, FmtOperationOutcomes(nil))
		assert.Empty(t, FmtOperationOutcomes([]*fm.OperationOutcome{nil, {}}))
	})

	t.Run("IssuesOfSeveralOutcomes", func(t *testing.T) {
		outcomes := []*fm.OperationOutcome{
			{Issue: []fm.OperationOutcomeIssue{{}, {}}},
			{},
			{Issue: []fm.OperationOutcomeIssue{{}}},
		}
		assert.Equal(t, `Severity    : Fatal
Code        : `+invalidCode+`
---
Severity    : Fatal
Code        : `+invalidCode+`
---
Severity    : Fatal
Code        : `+invalidCode+`
`, FmtOperationOutcomes(outcomes))
	})
}

func TestIndent(t *testing.T) {
	assert.Equal(t, "  a\n\n  b\n", Indent(2, "a\n\nb\n"))
	assert.Equal(t, "", Indent(4, ""))
}
