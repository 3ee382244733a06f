package main

import "listing_harvester/cli"

func main() {
	cli.Execute()
}
