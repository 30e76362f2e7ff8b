package main

import "github.com/mongoschema/mongoschema/cmd"

func main() {
	cmd.Execute()
}
