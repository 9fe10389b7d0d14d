package main

import "github.com/provnuk88/dsv2-sub000/cmd"

func main() {
	cmd.Execute()
}
