package main

import "github.com/itscold404/discord-event-planning-assistant/cmd"

func main() {
	cmd.Execute()
}
