package main

import (
	"github.com/joho/godotenv"

	"github.com/example/pickup-scheduler/cmd"
)

func main() {
	// optional; real deployments pass env directly
	_ = godotenv.Load()
	cmd.Execute()
}
