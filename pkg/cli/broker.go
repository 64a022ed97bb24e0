package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chargekit/chargekit/pkg/mqtt"
)

const shutdownTimeout = 30 * time.Second

var brokerFlags struct {
	configPath string
	port       int
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Start the embedded MQTT broker",
	Long: `Broker runs the embedded MQTT broker standalone, for harness runs
that need a broker but no scenario. Credentials come from the config's
broker block; without one the broker accepts every connection.

At debug log level every published message is logged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadToolkitConfig(brokerFlags.configPath)
		if err != nil {
			return err
		}
		bc := &mqtt.BrokerConfig{}
		if cfg.Broker != nil {
			bc = cfg.Broker.Build()
		}
		if cmd.Flags().Changed("port") {
			bc.Port = brokerFlags.port
		}

		log, closeLog, err := buildLogger(cmd, cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		broker, err := mqtt.NewBroker(bc)
		if err != nil {
			return err
		}
		broker.SetLogger(log)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := broker.Start(ctx); err != nil {
			return err
		}
		broker.Subscribe("#", func(topic string, payload []byte) {
			log.Debug("message", "topic", topic, "bytes", len(payload))
		})

		fmt.Fprintf(cmd.OutOrStdout(), "broker listening on %s\n", broker.URL())
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return broker.Stop(stopCtx)
	},
}

func init() {
	brokerCmd.Flags().StringVarP(&brokerFlags.configPath, "config", "c", "", "toolkit config file (YAML or JSON)")
	brokerCmd.Flags().IntVarP(&brokerFlags.port, "port", "p", mqtt.DefaultBrokerPort, "TCP port to listen on")
	rootCmd.AddCommand(brokerCmd)
}
