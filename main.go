package main

import "github.com/conneroisu/abbert/cmd"

func main() {
	cmd.Execute()
}
