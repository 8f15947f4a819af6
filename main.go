package main

import "github.com/audiolibrelab/jamz/cmd"

func main() {
	cmd.Execute()
}
