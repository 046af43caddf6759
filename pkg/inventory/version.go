package inventory

import (
	"fmt"
	"strconv"
	"strings"
)

// SoftwareVersion identifies the release a dataset was produced with, e.g.
// CMSSW_10_2_3_patch1. It is a plain comparable value.
type SoftwareVersion struct {
	Cycle  int    `json:"cycle"`
	Major  int    `json:"major"`
	Minor  int    `json:"minor"`
	Suffix string `json:"suffix,omitempty"`
}

const softwareVersionPrefix = "CMSSW_"

// ParseSoftwareVersion accepts "CMSSW_X_Y_Z[_suffix]" or "X_Y_Z[_suffix]".
// An empty string yields the zero version.
func ParseSoftwareVersion(s string) (SoftwareVersion, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), softwareVersionPrefix)
	if s == "" {
		return SoftwareVersion{}, nil
	}
	parts := strings.SplitN(s, "_", 4)
	if len(parts) < 3 {
		return SoftwareVersion{}, fmt.Errorf("invalid software version %q", s)
	}
	var nums [3]int
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return SoftwareVersion{}, fmt.Errorf("invalid software version %q: %w", s, err)
		}
		nums[i] = n
	}
	v := SoftwareVersion{Cycle: nums[0], Major: nums[1], Minor: nums[2]}
	if len(parts) == 4 {
		v.Suffix = parts[3]
	}
	return v, nil
}

func (v SoftwareVersion) IsZero() bool {
	return v == SoftwareVersion{}
}

func (v SoftwareVersion) String() string {
	if v.IsZero() {
		return ""
	}
	s := fmt.Sprintf("%s%d_%d_%d", softwareVersionPrefix, v.Cycle, v.Major, v.Minor)
	if v.Suffix != "" {
		s += "_" + v.Suffix
	}
	return s
}

// Less orders versions by cycle, major and minor; the suffix breaks ties.
func (v SoftwareVersion) Less(o SoftwareVersion) bool {
	if v.Cycle != o.Cycle {
		return v.Cycle < o.Cycle
	}
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Suffix < o.Suffix
}
