package main

import "peerlink/ui"

func main() {
	ui.Execute()
}
