package main

import "github.com/metal-toolbox/oltprov/cmd"

func main() {
	cmd.Execute()
}
