package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/meridianqms/capaflow/pkg/capaflow"
)

func main() {
	// .env is optional, real deployments set the environment directly
	_ = godotenv.Load()

	capaflow.SetupLogger()

	if err := capaflow.Start(nil); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
}
