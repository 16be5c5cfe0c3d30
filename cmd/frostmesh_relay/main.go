package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frostmesh/frostmesh/relay/ws_relay"
)

const flagListenAddr = "listen_addr"

var rootCmd = &cobra.Command{
	Use:   "frostmesh_relay",
	Short: "websocket rendezvous relay for frostmesh nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, err := cmd.Flags().GetString(flagListenAddr)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/ws", ws_relay.NewServer())

		server := &http.Server{
			Addr:    listenAddr,
			Handler: mux,
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigs
			log.Println("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				log.Printf("failed to shut down: %v", err)
			}
		}()

		log.Printf("relay listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String(flagListenAddr, "localhost:8090", "Listen Address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute root command: %v", err)
	}
}
