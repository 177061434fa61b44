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

package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/samply/blazexport/util"
	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// SearchStats describe the pages fetched by one search.
type SearchStats struct {
	Pages                   int
	Resources               int
	TotalBytesIn            int64
	InlineOperationOutcomes []*fm.OperationOutcome
}

// Search runs a search type interaction and follows the next links of the
// returned bundles until there is no next page. fn is called with every
// resource of the result. Entries with search mode outcome are collected in
// the stats instead.
//
// Non-ok responses result in an *util.ErrorResponse.
func (c *Client) Search(ctx context.Context, resourceType string, query url.Values, usePost bool,
	fn func(resource json.RawMessage) error) (SearchStats, error) {
	var stats SearchStats
	var request *http.Request
	var nextPageURL *url.URL
	var err error
	for ok := true; ok; ok = nextPageURL != nil {
		if request == nil {
			if usePost {
				request, err = c.NewPostSearchTypeRequest(ctx, resourceType, query)
			} else {
				request, err = c.NewSearchTypeRequest(ctx, resourceType, query)
			}
		} else {
			request, err = c.NewPaginatedRequest(ctx, nextPageURL)
		}
		if err != nil {
			return stats, fmt.Errorf("could not create FHIR server request: %w", err)
		}

		body, err := c.fetch(request)
		stats.TotalBytesIn += int64(len(body))
		if err != nil {
			return stats, err
		}
		stats.Pages++

		page := struct {
			Entries []fm.BundleEntry `json:"entry,omitempty"`
			Links   []fm.BundleLink  `json:"link,omitempty"`
		}{}
		if err := json.Unmarshal(body, &page); err != nil {
			return stats, fmt.Errorf("could not parse FHIR server response after request to URL %s: %w", request.URL, err)
		}

		for _, e := range page.Entries {
			if e.Search != nil && e.Search.Mode != nil && *e.Search.Mode == fm.SearchEntryModeOutcome {
				outcome, err := fm.UnmarshalOperationOutcome(e.Resource)
				if err != nil {
					return stats, fmt.Errorf("could not parse an encountered inline outcome from JSON: %w", err)
				}
				stats.InlineOperationOutcomes = append(stats.InlineOperationOutcomes, &outcome)
				continue
			}
			if len(e.Resource) == 0 {
				continue
			}
			if err := fn(e.Resource); err != nil {
				return stats, err
			}
			stats.Resources++
		}

		nextPageURL, err = getNextPageURL(page.Links)
		if err != nil {
			return stats, fmt.Errorf("could not parse the next page link within the FHIR server response after request to URL %s: %w", request.URL, err)
		}
	}
	return stats, nil
}

// Count returns the total number of matches of a search type interaction
// without fetching them. Servers omitting the total count as zero.
func (c *Client) Count(ctx context.Context, resourceType string, query url.Values) (int, error) {
	q := cloneQuery(query)
	q.Set("_summary", "count")
	request, err := c.NewSearchTypeRequest(ctx, resourceType, q)
	if err != nil {
		return 0, fmt.Errorf("could not create FHIR server request: %w", err)
	}
	body, err := c.fetch(request)
	if err != nil {
		return 0, err
	}
	bundle := struct {
		Total *int `json:"total,omitempty"`
	}{}
	if err := json.Unmarshal(body, &bundle); err != nil {
		return 0, fmt.Errorf("could not parse FHIR server response after request to URL %s: %w", request.URL, err)
	}
	if bundle.Total == nil {
		return 0, nil
	}
	return *bundle.Total, nil
}

// Read reads the resource with the given type and id.
func (c *Client) Read(ctx context.Context, resourceType string, id string) ([]byte, error) {
	request, err := c.NewReadRequest(ctx, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("could not create FHIR server request: %w", err)
	}
	return c.fetch(request)
}

func (c *Client) fetch(request *http.Request) ([]byte, error) {
	response, err := c.Do(request)
	if err != nil {
		return nil, fmt.Errorf("could not request the FHIR server with URL %s: %w", request.URL, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read FHIR server response after request to URL %s: %w", request.URL, err)
	}
	if response.StatusCode != http.StatusOK {
		return body, util.NewErrorResponse(request, response.StatusCode, body)
	}
	return body, nil
}

// getNextPageURL extracts the URL to the next resource bundle page from a given
// set of links.
// The extraction respects the FHIR specification with regard to how links are
// defined: https://www.iana.org/assignments/link-relations/link-relations.xhtml#link-relations-1
//
// Returns the URL to the next resource bundle page if there is any or nil.
// An error is returned if there is a URL, but it can not be parsed.
func getNextPageURL(links []fm.BundleLink) (*url.URL, error) {
	for _, link := range links {
		if link.Relation == "next" {
			return url.ParseRequestURI(link.Url)
		}
	}
	return nil, nil
}

// isNotFound reports whether err is a 404 or 410 response.
func isNotFound(err error) bool {
	var errResponse *util.ErrorResponse
	return errors.As(err, &errResponse) && errResponse.NotFound()
}
