package wal

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// applyUnifiedDiff reconstructs the patched file from the original content
// and a unified diff. Generated diffs often arrive without the ---/+++ file
// headers, so parsing falls back to a synthesized header before giving up.
func applyUnifiedDiff(original, patch string) (string, error) {
	fd, err := parsePatch(patch)
	if err != nil {
		return "", err
	}

	srcLines := strings.Split(original, "\n")
	var out []string
	cursor := 0

	for _, hunk := range fd.Hunks {
		start := int(hunk.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start < cursor || start > len(srcLines) {
			return "", fmt.Errorf("hunk at line %d overlaps or exceeds file of %d lines", hunk.OrigStartLine, len(srcLines))
		}
		out = append(out, srcLines[cursor:start]...)
		cursor = start

		body := strings.TrimSuffix(string(hunk.Body), "\n")
		for _, line := range strings.Split(body, "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				out = append(out, line[1:])
			case strings.HasPrefix(line, "-"):
				if cursor >= len(srcLines) || srcLines[cursor] != line[1:] {
					return "", fmt.Errorf("removed line %q does not match original at line %d", line[1:], cursor+1)
				}
				cursor++
			case strings.HasPrefix(line, " "):
				if cursor >= len(srcLines) || srcLines[cursor] != line[1:] {
					return "", fmt.Errorf("context line %q does not match original at line %d", line[1:], cursor+1)
				}
				out = append(out, line[1:])
				cursor++
			case strings.HasPrefix(line, `\`):
				// "\ No newline at end of file" markers carry no content.
			case line == "":
				// Some producers emit blank context lines without the
				// leading space.
				if cursor < len(srcLines) && srcLines[cursor] == "" {
					out = append(out, "")
					cursor++
				}
			default:
				return "", fmt.Errorf("unrecognized diff line %q", line)
			}
		}
	}

	out = append(out, srcLines[cursor:]...)
	return strings.Join(out, "\n"), nil
}

func parsePatch(patch string) (*diff.FileDiff, error) {
	if fd, err := diff.ParseFileDiff([]byte(patch)); err == nil && len(fd.Hunks) > 0 {
		return fd, nil
	}
	if fds, err := diff.ParseMultiFileDiff([]byte(patch)); err == nil && len(fds) > 0 && len(fds[0].Hunks) > 0 {
		return fds[0], nil
	}
	withHeader := "--- a/file\n+++ b/file\n" + strings.TrimLeft(patch, "\n")
	fd, err := diff.ParseFileDiff([]byte(withHeader))
	if err != nil {
		return nil, fmt.Errorf("unparseable diff: %w", err)
	}
	if len(fd.Hunks) == 0 {
		return nil, fmt.Errorf("diff contains no hunks")
	}
	return fd, nil
}
