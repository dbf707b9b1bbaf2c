// Copyright 2026 The gVisor Authors.
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

package metric

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// PrometheusName converts a slash-separated metric name such as
// "/mm/tlb_flush" into a valid Prometheus metric name ("mm_tlb_flush").
func PrometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// WriteText writes all metrics of r in the Prometheus text exposition format.
// Every field combination is written, including zero values, so that scrapers
// see a stable set of series.
func (r *Registry) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, m := range r.sorted() {
		pn := PrometheusName(m.name)
		fmt.Fprintf(bw, "# HELP %s %s\n", pn, escapeHelp(m.description))
		fmt.Fprintf(bw, "# TYPE %s counter\n", pn)
		for key := 0; key < m.fieldMapper.numKeys(); key++ {
			values := m.fieldMapper.keyToMultiField(key)
			bw.WriteString(pn)
			if len(values) > 0 {
				bw.WriteByte('{')
				for i, v := range values {
					if i > 0 {
						bw.WriteByte(',')
					}
					fmt.Fprintf(bw, "%s=%q", m.fieldMapper.fields[i].name, v)
				}
				bw.WriteByte('}')
			}
			fmt.Fprintf(bw, " %d\n", m.fields[key].Load())
		}
	}
	return bw.Flush()
}

func escapeHelp(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "\n", `\n`)
}
