package hsmstream

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Action log lines are whitespace-separated key=value tokens where a
// value is either bracketed ("fid=[0x1:0x2:0x0]") or a bare word.
// Bracketed values may themselves contain nested key=value fields
// ("lrh=[type=10680000 len=192 idx=517/31144]").
var (
	actionFieldRegexp = regexp.MustCompile(`(\w+)=((?:\[[^\]]*\])|(?:[^\s]+))`)
	nestedFieldRegexp = regexp.MustCompile(`(\w+)=([^\s\[\]]+)`)
)

// ParseActionLine parses a single action log line into a record.
// The MDT field is left blank; it is derived from the file path by the
// scanner. Lines that do not carry both an index and a fid are rejected.
func ParseActionLine(line string) (*ActionRecord, error) {
	rec := &ActionRecord{CatIdx: -1, RecIdx: -1}

	for _, m := range actionFieldRegexp.FindAllStringSubmatch(line, -1) {
		key, value := m[1], m[2]

		switch key {
		case "idx":
			if catIdx, recIdx, ok := parseIdx(strings.Trim(value, "[]")); ok {
				rec.CatIdx, rec.RecIdx = catIdx, recIdx
			}
		case "fid":
			rec.FID = strings.Trim(value, "[]")
		case "action":
			rec.Action = strings.Trim(value, "[]")
		case "status":
			rec.Status = strings.Trim(value, "[]")
		default:
			// Fields found inside a bracketed group only apply if they
			// have not already been seen at the top level.
			if !strings.HasPrefix(value, "[") || !strings.HasSuffix(value, "]") {
				continue
			}
			for _, nm := range nestedFieldRegexp.FindAllStringSubmatch(value[1:len(value)-1], -1) {
				switch nm[1] {
				case "idx":
					if rec.CatIdx >= 0 {
						continue
					}
					if catIdx, recIdx, ok := parseIdx(nm[2]); ok {
						rec.CatIdx, rec.RecIdx = catIdx, recIdx
					}
				case "fid":
					if rec.FID == "" {
						rec.FID = nm[2]
					}
				case "action":
					if rec.Action == "" {
						rec.Action = nm[2]
					}
				case "status":
					if rec.Status == "" {
						rec.Status = nm[2]
					}
				}
			}
		}
	}

	if rec.CatIdx < 0 || rec.RecIdx < 0 {
		return nil, fmt.Errorf("%w: missing idx", ErrInvalidActionLine)
	} else if rec.FID == "" {
		return nil, fmt.Errorf("%w: missing fid", ErrInvalidActionLine)
	}

	rec.Raw = line
	rec.Hash = Digest(line)
	return rec, nil
}

// parseIdx parses the "N/M" form of the idx token.
func parseIdx(s string) (catIdx, recIdx int, ok bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	catIdx, err := strconv.Atoi(parts[0])
	if err != nil || catIdx < 0 {
		return 0, 0, false
	}
	recIdx, err = strconv.Atoi(parts[1])
	if err != nil || recIdx < 0 {
		return 0, 0, false
	}
	return catIdx, recIdx, true
}
