package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frostmesh/frostmesh/client/api/http_api"
	"github.com/frostmesh/frostmesh/client/config"
	"github.com/frostmesh/frostmesh/client/modules/keystore"
	"github.com/frostmesh/frostmesh/client/modules/logger"
	"github.com/frostmesh/frostmesh/client/modules/state"
	"github.com/frostmesh/frostmesh/client/services/node"
	"github.com/frostmesh/frostmesh/relay"
	"github.com/frostmesh/frostmesh/relay/kafka_relay"
	"github.com/frostmesh/frostmesh/relay/ws_relay"
)

const (
	flagConfigPath    = "config"
	flagDeviceID      = "device_id"
	flagRelayKind     = "relay_kind"
	flagRelayURL      = "relay_url"
	flagStateDBDSN    = "state_dbdsn"
	flagStoreDBDSN    = "key_store_dbdsn"
	flagListenHost    = "listen_host"
	flagListenPort    = "listen_port"
	flagKafkaEndpoint = "kafka_endpoint"
)

var rootCmd = &cobra.Command{
	Use:   "frostmesh_d",
	Short: "frostmesh coordination daemon",
}

func init() {
	rootCmd.PersistentFlags().String(flagConfigPath, "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String(flagDeviceID, "", "Device ID")
	rootCmd.PersistentFlags().String(flagRelayKind, "", "Relay kind: ws or kafka")
	rootCmd.PersistentFlags().String(flagRelayURL, "", "Websocket relay URL")
	rootCmd.PersistentFlags().String(flagKafkaEndpoint, "", "Kafka broker endpoint")
	rootCmd.PersistentFlags().String(flagStateDBDSN, "", "State DBDSN")
	rootCmd.PersistentFlags().String(flagStoreDBDSN, "", "Key Store DBDSN")
	rootCmd.PersistentFlags().String(flagListenHost, "", "HTTP API host")
	rootCmd.PersistentFlags().Int(flagListenPort, 0, "HTTP API port")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString(flagConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %v", err)
	}

	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString(flagDeviceID); v != "" {
		conf.DeviceID = v
	}
	if v, _ := cmd.Flags().GetString(flagRelayKind); v != "" {
		conf.Relay.Kind = v
	}
	if v, _ := cmd.Flags().GetString(flagRelayURL); v != "" {
		conf.Relay.URL = v
	}
	if v, _ := cmd.Flags().GetString(flagKafkaEndpoint); v != "" {
		conf.Relay.BrokerEndpoint = v
	}
	if v, _ := cmd.Flags().GetString(flagStateDBDSN); v != "" {
		conf.StateDBDSN = v
	}
	if v, _ := cmd.Flags().GetString(flagStoreDBDSN); v != "" {
		conf.KeyStoreDBDSN = v
	}
	if v, _ := cmd.Flags().GetString(flagListenHost); v != "" {
		conf.HttpApi.Host = v
	}
	if v, _ := cmd.Flags().GetInt(flagListenPort); v != 0 {
		conf.HttpApi.Port = v
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func genKeyPairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gen_keys",
		Short: "generates a keypair to sign and verify relayed messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			keyStore, err := keystore.NewLevelDBKeyStore(conf.DeviceID, conf.KeyStoreDBDSN)
			if err != nil {
				return fmt.Errorf("failed to init key store: %w", err)
			}
			defer keyStore.Close()

			keyPair := keystore.NewKeyPair()
			if err = keyStore.PutKeys(conf.DeviceID, keyPair); err != nil {
				return fmt.Errorf("failed to save keypair: %w", err)
			}
			fmt.Printf("keypair generated for device %s and saved to %s\n", conf.DeviceID, conf.KeyStoreDBDSN)
			return nil
		},
	}
}

func buildTransport(ctx context.Context, conf *config.Config) (relay.Transport, error) {
	switch conf.Relay.Kind {
	case config.RelayKindWS:
		return ws_relay.Dial(ctx, conf.Relay.URL, conf.DeviceID)
	case config.RelayKindKafka:
		kafkaConf := kafka_relay.Config{
			BrokerEndpoint: conf.Relay.BrokerEndpoint,
			Topic:          conf.Relay.Topic,
			ConsumerGroup:  conf.Relay.ConsumerGroup,
			Timeout:        conf.Relay.Timeout,
		}
		if conf.Relay.TrustStorePath != "" {
			tlsConfig, err := kafka_relay.GetTLSConfig(conf.Relay.TrustStorePath)
			if err != nil {
				return nil, fmt.Errorf("failed to load kafka truststore: %w", err)
			}
			kafkaConf.TLSConfig = tlsConfig
		}
		if conf.Relay.ProducerCredentials != "" {
			creds, err := kafka_relay.ParseCredentials(conf.Relay.ProducerCredentials)
			if err != nil {
				return nil, fmt.Errorf("failed to parse producer credentials: %w", err)
			}
			kafkaConf.ProducerCredentials = creds
		}
		if conf.Relay.ConsumerCredentials != "" {
			creds, err := kafka_relay.ParseCredentials(conf.Relay.ConsumerCredentials)
			if err != nil {
				return nil, fmt.Errorf("failed to parse consumer credentials: %w", err)
			}
			kafkaConf.ConsumerCredentials = creds
		}
		return kafka_relay.NewTransport(conf.DeviceID, kafkaConf)
	default:
		return nil, fmt.Errorf("unknown relay kind %q", conf.Relay.Kind)
	}
}

func startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "starts the frostmesh daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			stateDb, err := state.NewLevelDBState(conf.StateDBDSN)
			if err != nil {
				return fmt.Errorf("failed to init state: %w", err)
			}
			defer stateDb.Close()

			keyStore, err := keystore.NewLevelDBKeyStore(conf.DeviceID, conf.KeyStoreDBDSN)
			if err != nil {
				return fmt.Errorf("failed to init key store: %w", err)
			}
			defer keyStore.Close()

			transport, err := buildTransport(ctx, conf)
			if err != nil {
				return fmt.Errorf("failed to connect to relay: %w", err)
			}
			defer transport.Close()

			deviceLogger := logger.NewLogger(conf.DeviceID)
			nodeService, err := node.NewNode(ctx, conf, transport, stateDb, keyStore, deviceLogger)
			if err != nil {
				return fmt.Errorf("failed to init node: %w", err)
			}

			apiProvider := &http_api.RESTApiProvider{}
			if err := apiProvider.NewServer(conf, nodeService); err != nil {
				return fmt.Errorf("failed to init http api: %w", err)
			}
			go func() {
				if err := apiProvider.Start(); err != nil {
					deviceLogger.Log("HTTP API stopped: %v", err)
				}
			}()

			go func() {
				for notification := range nodeService.Notifications() {
					deviceLogger.Log("[%s] %s", notification.Kind, notification.Message)
				}
			}()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				deviceLogger.Log("Shutting down")
				cancel()
			}()

			runErr := nodeService.Run(ctx)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := apiProvider.Stop(shutdownCtx); err != nil {
				deviceLogger.Log("Failed to stop http api: %v", err)
			}

			return runErr
		},
	}
}

func main() {
	rootCmd.AddCommand(
		startCommand(),
		genKeyPairCommand(),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute root command: %v", err)
	}
}
