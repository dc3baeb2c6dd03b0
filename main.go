package main

import "caption-server/cmd/capserve/cmd"

func main() {
	cmd.Execute()
}
