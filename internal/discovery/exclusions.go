package discovery

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"
)

// ExclusionSet maps an excluded run ID to the operator-supplied reason.
type ExclusionSet map[string]string

// Excluded reports whether the run is on the exclusion list, along with the
// recorded reason.
func (s ExclusionSet) Excluded(runID string) (string, bool) {
	reason, ok := s[runID]
	return reason, ok
}

// LoadExclusions reads the exclusion list file. Each line holds a run ID,
// optionally followed by a tab-separated reason. Blank lines and lines
// starting with '#' are ignored. A missing file is treated as an empty set
// so operators can delete the list to clear it.
func LoadExclusions(path string) (ExclusionSet, error) {
	if path == "" {
		return ExclusionSet{}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ExclusionSet{}, nil
		}
		return nil, err
	}
	defer file.Close()

	set := ExclusionSet{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		runID, reason, found := strings.Cut(line, "\t")
		runID = strings.TrimSpace(runID)
		if runID == "" {
			continue
		}
		if !found {
			reason = "excluded by operator"
		}
		set[runID] = strings.TrimSpace(reason)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}
