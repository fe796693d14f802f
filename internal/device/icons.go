package device

import (
	"path"
	"strings"
)

// IconNone is the select option that removes a marquee icon.
const IconNone = "none"

const defaultIconDir = "/icons/10x10/"

// IconDisplayName turns an icon path such as /icons/10x10/home.xbm into its
// display name "home".
func IconDisplayName(iconPath string) string {
	if iconPath == "" {
		return IconNone
	}
	return strings.TrimSuffix(path.Base(iconPath), ".xbm")
}

// IconPath resolves a display name against the device catalog, falling back
// to the default icon directory.
func IconPath(name string, catalog []string) string {
	if name == "" || name == IconNone {
		return ""
	}
	suffix := "/" + name + ".xbm"
	for _, icon := range catalog {
		if strings.HasSuffix(icon, suffix) {
			return icon
		}
	}
	return defaultIconDir + name + ".xbm"
}

// IconOptions lists the selectable icon names, IconNone first.
func IconOptions(catalog []string) []string {
	out := make([]string, 0, len(catalog)+1)
	out = append(out, IconNone)
	for _, icon := range catalog {
		out = append(out, IconDisplayName(icon))
	}
	return out
}
