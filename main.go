package main

import "github.com/clearcite/clearcite/cmd"

func main() {
	cmd.Execute()
}
