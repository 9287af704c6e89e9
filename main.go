package main

import "courier/cmd"

func main() {
	cmd.Execute()
}
