package threat

import (
	"context"
	"strings"
)

// ThreatFeed is a single threat intelligence source
type ThreatFeed interface {
	Name() string
	CheckIOC(ctx context.Context, value string, iocType IOCType) (*ThreatIntel, error)
}

// StaticFeed answers from a fixed indicator list. It backs offline runs and
// tests where no external provider is configured.
type StaticFeed struct {
	name  string
	known map[string]ThreatIntel
}

// NewStaticFeed creates a feed that knows only the given indicators
func NewStaticFeed(name string, known ...ThreatIntel) *StaticFeed {
	f := &StaticFeed{name: name, known: make(map[string]ThreatIntel, len(known))}
	for _, intel := range known {
		f.known[normalize(intel.IOC)] = intel
	}
	return f
}

// Name returns the feed name
func (f *StaticFeed) Name() string { return f.name }

// CheckIOC returns the stored verdict, or a clean one for unknown indicators
func (f *StaticFeed) CheckIOC(ctx context.Context, value string, iocType IOCType) (*ThreatIntel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if intel, ok := f.known[normalize(value)]; ok {
		out := intel
		if len(out.Sources) == 0 {
			out.Sources = []string{f.name}
		}
		return &out, nil
	}
	return cleanIntel(value, iocType, "No threat intelligence found"), nil
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
