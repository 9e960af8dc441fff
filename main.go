package main

import "github.com/nextlevelbuilder/superkanban/cmd"

func main() {
	cmd.Execute()
}
