package main

import "github.com/rudransh-shrivastava/peer-drop/internal/cmd"

func main() {
	cmd.Execute()
}
