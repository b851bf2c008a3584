// Package banner prints the CLI startup header.
package banner

import "fmt"

// Logo is the ASCII art logo for Overseer.
const Logo = `
   ██████╗ ██╗   ██╗███████╗██████╗ ███████╗███████╗███████╗██████╗
  ██╔═══██╗██║   ██║██╔════╝██╔══██╗██╔════╝██╔════╝██╔════╝██╔══██╗
  ██║   ██║██║   ██║█████╗  ██████╔╝███████╗█████╗  █████╗  ██████╔╝
  ██║   ██║╚██╗ ██╔╝██╔══╝  ██╔══██╗╚════██║██╔══╝  ██╔══╝  ██╔══██╗
  ╚██████╔╝ ╚████╔╝ ███████╗██║  ██║███████║███████╗███████╗██║  ██║
   ╚═════╝   ╚═══╝  ╚══════╝╚═╝  ╚═╝╚══════╝╚══════╝╚══════╝╚═╝  ╚═╝
`

// Tagline is the project tagline.
const Tagline = "Issue-Driven Task Orchestration"

// Print prints the banner with tagline.
func Print() {
	fmt.Print(Logo)
	fmt.Printf("   %s\n\n", Tagline)
}

// Startup prints the full startup banner.
func Startup(version, gateway string) {
	fmt.Print(Logo)
	fmt.Printf("   %s\n", Tagline)
	fmt.Println()
	fmt.Printf("   Version:  %s\n", version)
	fmt.Printf("   Gateway:  http://%s\n", gateway)
	fmt.Println()
}
