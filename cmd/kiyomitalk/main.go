package main

import (
	"log"

	"github.com/Boritgoge/KiyomiTalk/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
