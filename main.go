package main

import "github.com/xswitch/xswitch/cmd"

func main() {
	cmd.Execute()
}
