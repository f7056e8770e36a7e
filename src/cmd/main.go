package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	cfg "mindbridge/src/configuration"
	"mindbridge/src/logging"
	server "mindbridge/src/server"
)

func main() {
	config := cfg.ReadProperties()
	logger, err := logging.New(config.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := server.RunServer(config, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
