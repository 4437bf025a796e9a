package main

import "github.com/OpenTraceLab/OpenTraceBoot/cmd/otboot/cmd"

func main() {
	cmd.Execute()
}
