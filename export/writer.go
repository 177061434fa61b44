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

package export

import (
	"bufio"
	"io"
	"strings"
)

// RowWriter is the output sink of a run. It receives the header once and
// then every row.
type RowWriter interface {
	WriteHeader(cells []string) error
	WriteRow(cells []string) error
	Flush() error
}

// DelimitedWriter writes separator delimited lines. Separators and line
// breaks inside cells are replaced by a space.
type DelimitedWriter struct {
	w         *bufio.Writer
	separator string
	sanitizer *strings.Replacer
}

func NewDelimitedWriter(w io.Writer, separator string) *DelimitedWriter {
	if separator == "" {
		separator = DefaultSeparator
	}
	return &DelimitedWriter{
		w:         bufio.NewWriter(w),
		separator: separator,
		sanitizer: strings.NewReplacer(separator, " ", "\r\n", " ", "\r", " ", "\n", " "),
	}
}

func (dw *DelimitedWriter) WriteHeader(cells []string) error {
	return dw.writeLine(cells)
}

func (dw *DelimitedWriter) WriteRow(cells []string) error {
	return dw.writeLine(cells)
}

func (dw *DelimitedWriter) writeLine(cells []string) error {
	for i, cell := range cells {
		if i > 0 {
			if _, err := dw.w.WriteString(dw.separator); err != nil {
				return err
			}
		}
		if _, err := dw.w.WriteString(dw.sanitizer.Replace(cell)); err != nil {
			return err
		}
	}
	return dw.w.WriteByte('\n')
}

func (dw *DelimitedWriter) Flush() error {
	return dw.w.Flush()
}
