package continuation

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version identifies a continuation token format as "<major>.<minor>".
type Version struct {
	Major int
	Minor int
}

// Known token versions.
var (
	// V0 is the bare backend continuation with no Version field.
	V0 = Version{Major: 0, Minor: 0}
	// V1 wraps the backend continuation with an explicit version tag.
	V1 = Version{Major: 1, Minor: 0}
	// V2 adds an optional cached query plan.
	V2 = Version{Major: 2, Minor: 0}

	// Latest is the newest version this build understands.
	Latest = V2
)

// ParseVersion parses "<major>.<minor>". A bare "<major>" is accepted as
// "<major>.0".
func ParseVersion(s string) (Version, error) {
	majorStr, minorStr, found := strings.Cut(strings.TrimSpace(s), ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	minor := 0
	if found {
		minor, err = strconv.Atoi(minorStr)
		if err != nil || minor < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
	}
	return Version{Major: major, Minor: minor}, nil
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	if c := cmp.Compare(v.Major, o.Major); c != 0 {
		return c
	}
	return cmp.Compare(v.Minor, o.Minor)
}

// MarshalJSON encodes the version as a JSON string.
func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON accepts "1.0" strings and, leniently, bare numbers.
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid version %s", data)
		}
		s = n.String()
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
