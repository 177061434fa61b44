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
	"net/url"
	"os"
	"strings"
)

// ParseQuery parses URL query values.
//
// Queries starting with a `@` are read from the named file. The parameters
// of a query file may be spread over several lines.
func ParseQuery(query string) (url.Values, error) {
	if strings.HasPrefix(query, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(query, "@"))
		if err != nil {
			return nil, fmt.Errorf("error while reading file: %s: %w", query, err)
		}
		query = joinLines(stripComments(string(b)))
	}
	q, err := url.ParseQuery(strings.TrimSpace(query))
	if err != nil {
		return nil, fmt.Errorf("error while parsing query: %w", err)
	}
	return q, nil
}

func joinLines(s string) string {
	var params []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Trim(strings.TrimSpace(line), "&"); line != "" {
			params = append(params, line)
		}
	}
	return strings.Join(params, "&")
}
