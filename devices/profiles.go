// Package devices is a small registry of known physical-medium profiles
// (sector size, a sane cache block size) loaded from an embedded CSV
// table. It exists so rawdevice constructors and the inspector CLI can
// pick sane defaults for a named medium instead of asking the caller to
// know a CD-ROM's sector size off the top of their head.
package devices

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
)

// Profile describes one known physical medium.
type Profile struct {
	Slug       string `csv:"slug"`
	Name       string `csv:"name"`
	FormFactor string `csv:"form_factor"`
	SectorSize uint32 `csv:"sector_size"`
	BlockSize  uint32 `csv:"block_size"`
	Notes      string `csv:"notes"`
}

//go:embed profiles.csv
var profilesCSV string

var profiles map[string]Profile

func init() {
	profiles = make(map[string]Profile)
	reader := strings.NewReader(profilesCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row Profile) error {
		if _, exists := profiles[row.Slug]; exists {
			return fmt.Errorf("devices: duplicate profile slug %q", row.Slug)
		}
		profiles[row.Slug] = row
		return nil
	})
	if err != nil && err != io.EOF {
		panic(fmt.Sprintf("devices: malformed embedded profile table: %s", err))
	}
}

// Lookup returns the profile registered under slug.
func Lookup(slug string) (Profile, error) {
	p, ok := profiles[slug]
	if !ok {
		return Profile{}, fmt.Errorf("devices: no profile registered for slug %q", slug)
	}
	return p, nil
}

// List returns every registered profile, in no particular order.
func List() []Profile {
	out := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	return out
}
