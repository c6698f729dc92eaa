package data

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
)

// pairSeparator splits a paired line at its [SEP] marker.
var pairSeparator = regexp2.MustCompile(`\s*\[SEP\]\s*`, regexp2.None)

// PairedRecord is one antibody: a heavy chain and its light chain.
type PairedRecord struct {
	Heavy string
	Light string
}

// ReadLines reads a text file and returns its lines with surrounding
// whitespace trimmed.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

// ParsePairedRecord splits "heavy[SEP]light". Residues may be space
// separated, as in "Q V Q [SEP] D I Q".
func ParsePairedRecord(line string) (PairedRecord, error) {
	parts, err := splitPair(line)
	if err != nil {
		return PairedRecord{}, err
	}
	if len(parts) != 2 {
		return PairedRecord{}, fmt.Errorf("expected one [SEP] separator, found %d", len(parts)-1)
	}
	rec := PairedRecord{Heavy: strings.TrimSpace(parts[0]), Light: strings.TrimSpace(parts[1])}
	if rec.Heavy == "" || rec.Light == "" {
		return PairedRecord{}, fmt.Errorf("empty chain in %q", line)
	}
	return rec, nil
}

// splitPair splits line at every separator match. Match offsets are rune
// offsets, so the slicing happens on runes.
func splitPair(line string) ([]string, error) {
	runes := []rune(line)
	var parts []string
	last := 0
	m, err := pairSeparator.FindStringMatch(line)
	for m != nil && err == nil {
		parts = append(parts, string(runes[last:m.Index]))
		last = m.Index + m.Length
		m, err = pairSeparator.FindNextMatch(m)
	}
	if err != nil {
		return nil, err
	}
	return append(parts, string(runes[last:])), nil
}

// LoadPairedRecords reads one record per non-empty line of path.
func LoadPairedRecords(path string) ([]PairedRecord, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	records := make([]PairedRecord, 0, len(lines))
	for i, line := range lines {
		if line == "" {
			continue
		}
		rec, err := ParsePairedRecord(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
