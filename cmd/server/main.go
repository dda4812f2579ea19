package main

import (
	"fmt"
	"log"

	"github.com/roomcast/roomcast/internal/server"
)

func main() {
	fmt.Println("Starting Roomcast server...")

	config := server.NewConfigFromEnv()
	server.SetConfig(config)

	hub := server.NewHub()
	go hub.Run()
	log.Println("Hub started and ready to manage connections")

	mux := server.SetupRoutes(hub)
	httpServer := server.CreateServer(config.Port, mux)

	log.Fatal(server.StartServer(httpServer))
}
