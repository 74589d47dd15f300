package main

import (
	"github.com/joho/godotenv"

	"github.com/cruciblehq/crucible/api/cmd/crucible"
)

func main() {
	_ = godotenv.Load()
	crucible.Execute()
}
