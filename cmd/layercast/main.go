package main

import "github.com/bryanchriswhite/LayerCast/cmd/layercast/commands"

func main() {
	commands.Execute()
}
