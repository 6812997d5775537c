package memory

import (
	"strings"
)

// DiffOp classifies a line in a diff.
type DiffOp string

const (
	DiffAdd    DiffOp = "add"
	DiffRemove DiffOp = "remove"
	DiffSame   DiffOp = "same"
)

// DiffLine is a single line of a computed diff. LineNumber is 1-based and
// refers to the first sequence for removed lines and to the second sequence
// for added and unchanged lines.
type DiffLine struct {
	Type       DiffOp `json:"type"`
	Line       string `json:"line"`
	LineNumber int    `json:"lineNumber"`
}

// DiffLines computes a longest-common-subsequence line diff between two
// contents. O(m*n) time and space; memory contents are short human-authored
// text, not arbitrary blobs.
func DiffLines(a, b string) []DiffLine {
	aLines := strings.Split(a, "\n")
	bLines := strings.Split(b, "\n")
	m, n := len(aLines), len(bLines)

	// LCS length table.
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if aLines[i-1] == bLines[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	// Backtrack from (m, n), preferring a "same" step when lines are equal.
	var out []DiffLine
	i, j := m, n
	for i > 0 && j > 0 {
		switch {
		case aLines[i-1] == bLines[j-1]:
			out = append(out, DiffLine{Type: DiffSame, Line: bLines[j-1], LineNumber: j})
			i--
			j--
		case dp[i][j-1] >= dp[i-1][j]:
			out = append(out, DiffLine{Type: DiffAdd, Line: bLines[j-1], LineNumber: j})
			j--
		default:
			out = append(out, DiffLine{Type: DiffRemove, Line: aLines[i-1], LineNumber: i})
			i--
		}
	}
	for j > 0 {
		out = append(out, DiffLine{Type: DiffAdd, Line: bLines[j-1], LineNumber: j})
		j--
	}
	for i > 0 {
		out = append(out, DiffLine{Type: DiffRemove, Line: aLines[i-1], LineNumber: i})
		i--
	}

	// Entries were collected back to front.
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}

	return out
}

// ApplyDiff replays a diff against the first sequence's content, yielding the
// second sequence's content. Used to verify diffs round-trip.
func ApplyDiff(diff []DiffLine) string {
	var lines []string
	for _, d := range diff {
		if d.Type == DiffRemove {
			continue
		}
		lines = append(lines, d.Line)
	}
	return strings.Join(lines, "\n")
}
