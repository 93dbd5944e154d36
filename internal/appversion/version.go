// Package appversion reports the tether build version.
package appversion

import "runtime/debug"

// version is set at build time via -ldflags "-X tether/internal/appversion.version=v1.2.3".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the ldflags version. Builds without one report the
// module version from `go install`, or dev plus the short VCS revision.
func String() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return version
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := version + "+" + rev
	if dirty {
		out += ".dirty"
	}
	return out
}
