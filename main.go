package main

import "github.com/nextlevelbuilder/agentmesh/cmd"

func main() {
	cmd.Execute()
}
