package main

import "github.com/arcward/emily/cmd"

func main() {
	cmd.Execute()
}
