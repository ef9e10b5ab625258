package main

import "github.com/TFMV/furydcc/cmd"

func main() {
	cmd.Execute()
}
