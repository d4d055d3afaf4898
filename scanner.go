package hsmstream

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Snapshot is the result of one scan pass: every currently observable
// MDT mapped to its parsed action records. An MDT whose action log
// exists but is empty appears with a zero-length slice.
type Snapshot map[string][]*ActionRecord

// Live flattens the snapshot into a map keyed by primary key.
func (s Snapshot) Live() map[Key]*ActionRecord {
	live := make(map[Key]*ActionRecord)
	for _, records := range s {
		for _, rec := range records {
			live[rec.Key()] = rec
		}
	}
	return live
}

// MDTs returns the sorted set of MDTs observed by the scan.
func (s Snapshot) MDTs() []string {
	a := make([]string, 0, len(s))
	for mdt := range s {
		a = append(a, mdt)
	}
	sort.Strings(a)
	return a
}

// Scanner discovers MDT action logs via a glob and reads them into
// point-in-time snapshots. Reads are best-effort: a file that vanishes
// mid-scan or fails to read is skipped for the cycle.
type Scanner struct {
	// Glob pattern matching the kernel-exposed action log files.
	Glob string
}

// NewScanner returns a new instance of Scanner.
func NewScanner(glob string) *Scanner {
	return &Scanner{Glob: glob}
}

// Scan expands the glob and reads each matching action log.
func (s *Scanner) Scan() (Snapshot, error) {
	paths, err := filepath.Glob(s.Glob)
	if err != nil {
		return nil, err
	}

	snapshot := make(Snapshot)
	for _, path := range paths {
		mdt, ok := MDTFromPath(path)
		if !ok {
			log.Printf("no MDT component in path, skipping: %q", path)
			continue
		}

		buf, err := os.ReadFile(path)
		if err != nil {
			log.Printf("cannot read action log, skipping this cycle: %s", err)
			continue
		}

		records := snapshot[mdt]
		if records == nil {
			records = []*ActionRecord{}
		}
		for _, line := range strings.Split(string(buf), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			rec, err := ParseActionLine(line)
			if err != nil {
				log.Printf("dropping unparseable action line: mdt=%s err=%s line=%q", mdt, err, line)
				continue
			}
			rec.MDT = mdt
			records = append(records, rec)
		}
		snapshot[mdt] = records
	}

	return snapshot, nil
}

// MDTFromPath extracts the MDT name from an action log path. The MDT
// is the path component matching "*-MDT????" (e.g. "elm-MDT0003").
func MDTFromPath(path string) (string, bool) {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if ok, _ := filepath.Match("*-MDT????", part); ok {
			return part, true
		}
	}
	return "", false
}
