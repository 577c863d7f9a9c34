package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nsyszr/amqprpc/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "amqprpc",
	Short: "AMQP request/response bridge",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(requestCmd)
}

// loadEndpoint reads the endpoint topology from the given file, or falls back
// to the demo defaults.
func loadEndpoint(path string) (*config.Endpoint, error) {
	if path != "" {
		return config.Load(path)
	}

	return &config.Endpoint{
		Queue:      config.Queue{Name: "rpc_queue"},
		Channel:    config.Channel{PrefetchCount: 1},
		RoutingKey: "rpc_queue",
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
