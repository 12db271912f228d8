package main

import (
	"blood-request-engine/app"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; the environment alone is enough.
	_ = godotenv.Load(".env")

	app.Run()
}
