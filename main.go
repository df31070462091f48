package main

import "github.com/timvw/loopsmith/cmd"

func main() {
	cmd.Execute()
}
