package registry

import "strings"

// DefaultNamespace is assumed for channel names written without a namespace.
const DefaultNamespace = "minecraft"

// ChannelID names a custom payload channel. Equality is structural.
type ChannelID struct {
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
}

// ParseChannel parses "namespace:path". A bare path gets DefaultNamespace.
func ParseChannel(s string) (ChannelID, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChannelID{}, false
	}
	ns, path, found := strings.Cut(s, ":")
	if !found {
		return ChannelID{Namespace: DefaultNamespace, Path: s}, true
	}
	if ns == "" || path == "" {
		return ChannelID{}, false
	}
	return ChannelID{Namespace: strings.ToLower(ns), Path: path}, true
}

// MustParseChannel is ParseChannel for constants; it panics on bad input.
func MustParseChannel(s string) ChannelID {
	c, ok := ParseChannel(s)
	if !ok {
		panic("registry: bad channel " + s)
	}
	return c
}

func (c ChannelID) String() string {
	return c.Namespace + ":" + c.Path
}

// IsCoreNamespace reports whether ns belongs to the game itself, the
// reduced loader, or the shared convention namespace. These are always
// allowed and never attributed to an extension.
func IsCoreNamespace(ns string) bool {
	switch ns {
	case "minecraft", "fabric", "c":
		return true
	}
	return strings.HasPrefix(ns, "fabric-")
}
