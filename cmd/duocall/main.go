package main

import "duocall/native/internal/logging"

// Version is set at build time:
//
//	go build -ldflags="-X 'main.Version=v1.0.0'" ./cmd/duocall
var Version = "dev"

func main() {
	logging.Init()
	Execute()
}
