package main

import "github.com/dotBeFoRE/ei-noah-bot/cmd"

func main() {
	cmd.Execute()
}
