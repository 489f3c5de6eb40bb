package redact

import "strings"

// fenceSpans returns [start,end) byte ranges covering fenced code
// blocks, fence markers included. An unclosed fence runs to EOF.
func fenceSpans(content string) [][2]int {
	var spans [][2]int
	pos := 0
	for {
		open := strings.Index(content[pos:], "```")
		if open < 0 {
			return spans
		}
		start := pos + open
		rest := start + 3
		if rest >= len(content) {
			spans = append(spans, [2]int{start, len(content)})
			return spans
		}
		closing := strings.Index(content[rest:], "```")
		if closing < 0 {
			spans = append(spans, [2]int{start, len(content)})
			return spans
		}
		end := rest + closing + 3
		spans = append(spans, [2]int{start, end})
		pos = end
	}
}

// inFence reports whether [start,end) lies entirely inside one fence.
func inFence(fences [][2]int, start, end int) bool {
	for _, f := range fences {
		if start >= f[0] && end <= f[1] {
			return true
		}
	}
	return false
}
