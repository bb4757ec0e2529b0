// Command fitlink signs in to Garmin Connect and makes authenticated API
// requests from the command line.
package main

import "github.com/aussiebroadwan/fitlink/internal/fitlink/commands"

func main() {
	commands.Execute()
}
