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
	"os"
	"strings"
)

// CreateOutputFile creates the file an export is written to. An existing
// file is only truncated if overwrite is set.
//
// Note: The caller has to make sure that the file handle is closed properly.
func CreateOutputFile(filepath string, overwrite bool) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	outputFile, err := os.OpenFile(filepath, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("the output file %s does already exist", filepath)
		}
		return nil, fmt.Errorf("could not open/create the output file %s: %w", filepath, err)
	}
	return outputFile, nil
}

// ParseIDList parses ids separated by commas or whitespace.
//
// Lists starting with a `@` are read from the named file. Lines of such a
// file starting with `#` are ignored.
func ParseIDList(list string) ([]string, error) {
	if strings.HasPrefix(list, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(list, "@"))
		if err != nil {
			return nil, fmt.Errorf("error while reading file: %s: %w", list, err)
		}
		list = stripComments(string(b))
	}
	return strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}), nil
}

func stripComments(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "#") {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
