// Package banner prints the startup banner for the gatekeeper binaries.
package banner

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Print writes the startup banner
func Print(version string) {
	art := `
 ██████╗  █████╗ ████████╗███████╗██╗  ██╗███████╗███████╗██████╗ ███████╗██████╗
██╔════╝ ██╔══██╗╚══██╔══╝██╔════╝██║ ██╔╝██╔════╝██╔════╝██╔══██╗██╔════╝██╔══██╗
██║  ███╗███████║   ██║   █████╗  █████╔╝ █████╗  █████╗  ██████╔╝█████╗  ██████╔╝
██║   ██║██╔══██║   ██║   ██╔══╝  ██╔═██╗ ██╔══╝  ██╔══╝  ██╔═══╝ ██╔══╝  ██╔══██╗
╚██████╔╝██║  ██║   ██║   ███████╗██║  ██╗███████╗███████╗██║     ███████╗██║  ██║
 ╚═════╝ ╚═╝  ╚═╝   ╚═╝   ╚══════╝╚═╝  ╚═╝╚══════╝╚══════╝╚═╝     ╚══════╝╚═╝  ╚═╝
`
	c := color.New(color.FgCyan, color.Bold)
	c.Println(art)

	fmt.Printf("   gatekeeper %s :: filtering SOCKS5 proxy\n", version)
	fmt.Printf("   Start Time: %s\n", time.Now().Format(time.RFC1123))
	fmt.Println(strings.Repeat("-", 50))
}

// PrintStatus reports the listening sockets once startup succeeded
func PrintStatus(listenAddr string, ruleCount int, adminAddr string) {
	color.Green("✓ Gatekeeper Started Successfully")
	fmt.Printf("   • Listening:   %s (SOCKS5)\n", listenAddr)
	fmt.Printf("   • Rules:       %d entries\n", ruleCount)
	if adminAddr != "" {
		fmt.Printf("   • Admin:       http://%s/\n", adminAddr)
	}
	fmt.Println(strings.Repeat("-", 50))
}
