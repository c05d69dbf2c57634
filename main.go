package main

import "github.com/nextlevelbuilder/reflexcore/cmd"

func main() {
	cmd.Execute()
}
