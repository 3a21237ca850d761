package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/fennwick/sentinel-egress/theme"
)

var (
	Name        = "sentinel"
	Authors     = "the fleet maintainers"
	Description = "Fingerprinted IPv6 egress fetching fleet"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	RepoText = "github.com/fennwick/sentinel-egress"
	RepoUri  = "https://github.com/fennwick/sentinel-egress"
)

// PrintVersionInfo writes the startup splash, styled per the configured
// theme, to vlog.
func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	repoUri := theme.Hyperlink(RepoUri, RepoText)
	padLatest := fmt.Sprintf("%*s", 1-len(Version), "")
	padBuffer := fmt.Sprintf("%*s", 2, "")

	var b strings.Builder

	b.WriteString(theme.ColourSplash(`
╔────────────────────────────────────────────────────────╗
│  ███████╗███████╗███╗   ██╗████████╗██╗███╗   ██╗██╗   │
│  ██╔════╝██╔════╝████╗  ██║╚══██╔══╝██║████╗  ██║██║   │
│  ███████╗█████╗  ██╔██╗ ██║   ██║   ██║██╔██╗ ██║██║   │
│  ╚════██║██╔══╝  ██║╚██╗██║   ██║   ██║██║╚██╗██║██║   │
│  ███████║███████╗██║ ╚████║   ██║   ██║██║ ╚████║███████╗│
│  ╚══════╝╚══════╝╚═╝  ╚═══╝   ╚═╝   ╚═╝╚═╝  ╚═══╝╚══════╝│` + "\n"))

	b.WriteString(theme.ColourSplash("│ "))
	b.WriteString(theme.StyleUrl(repoUri))
	b.WriteString(padLatest)
	b.WriteString(theme.ColourVersion(Version))
	b.WriteString(padBuffer)
	b.WriteString(theme.ColourSplash(" │\n"))
	b.WriteString(theme.ColourSplash("╚────────────────────────────────────────────────────────╝"))

	if extendedInfo {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
		b.WriteString(fmt.Sprintf("  Using: %s\n", User))
	}

	vlog.Println(b.String())
}
