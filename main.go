package main

import "github.com/nextlevelbuilder/slacksim/cmd"

func main() {
	cmd.Execute()
}
