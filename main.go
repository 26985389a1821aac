package main

import "github.com/replyops/replygate/cmd"

func main() {
	cmd.Execute()
}
