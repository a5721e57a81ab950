package main

import "github.com/aweris/hashpool/cmd/hashpool/cmd"

func main() {
	cmd.Execute()
}
