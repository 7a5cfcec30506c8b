package main

import "github.com/botcraftengineer/qbs-autonaim-sub012/cmd"

func main() {
	cmd.Execute()
}
