package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chargekit/chargekit/pkg/config"
	"github.com/chargekit/chargekit/pkg/emulator"
	"github.com/chargekit/chargekit/pkg/mqtt"
	"github.com/chargekit/chargekit/pkg/ocpp"
)

// defaultTopicPrefix is where emulated charger events land when the
// config does not name one.
const defaultTopicPrefix = "chargekit/chargers"

var emulateFlags struct {
	configPath string
	count      int
	interval   time.Duration
	brokerURL  string
	csmsURL    string
	prefix     string
}

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Run a fleet of emulated chargers",
	Long: `Emulate spawns charge point emulators that walk the OCPP status
cycle and publish StatusNotification and MeterValues events.

Events go to an MQTT broker (--broker, one envelope topic per charger)
or to an OCPP central system (--csms, one websocket per charger). With
neither flag, the config's adapters.ocpp or adapters.mqtt block decides.
The fleet runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadToolkitConfig(emulateFlags.configPath)
		if err != nil {
			return err
		}
		csmsURL, brokerURL, err := resolveEmulateTarget(emulateFlags.csmsURL, emulateFlags.brokerURL, cfg)
		if err != nil {
			return err
		}

		log, closeLog, err := buildLogger(cmd, cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fleet := emulator.NewFleet(log)
		var closers []func()
		defer func() {
			fleet.StopAll()
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}()

		template := emulateTemplate(cfg, log)
		if csmsURL != "" {
			closers, err = spawnCSMSFleet(ctx, fleet, template, csmsURL, emulateFlags.count, log)
		} else {
			closers, err = spawnBrokerFleet(ctx, fleet, template, brokerURL, emulateFlags.count, cfg)
		}
		if err != nil {
			return err
		}

		log.Info("fleet running", "chargers", fleet.Size(), "ids", fleet.IDs())
		<-ctx.Done()
		log.Info("shutting down fleet", "chargers", fleet.Size())
		return nil
	},
}

func init() {
	emulateCmd.Flags().StringVarP(&emulateFlags.configPath, "config", "c", "", "toolkit config file (YAML or JSON)")
	emulateCmd.Flags().IntVarP(&emulateFlags.count, "count", "n", 1, "number of chargers to spawn")
	emulateCmd.Flags().DurationVar(&emulateFlags.interval, "interval", 0, "tick interval between charger state updates")
	emulateCmd.Flags().StringVar(&emulateFlags.brokerURL, "broker", "", "MQTT broker URL to publish events to")
	emulateCmd.Flags().StringVar(&emulateFlags.csmsURL, "csms", "", "OCPP central system URL to connect chargers to")
	emulateCmd.Flags().StringVar(&emulateFlags.prefix, "prefix", "CP", "charge point id prefix")
	rootCmd.AddCommand(emulateCmd)
}

// resolveEmulateTarget picks where charger events go. An explicit flag
// wins; with neither flag the config's ocpp block is preferred over its
// mqtt block.
func resolveEmulateTarget(csmsURL, brokerURL string, cfg *config.Config) (string, string, error) {
	if csmsURL != "" && brokerURL != "" {
		return "", "", fmt.Errorf("--csms and --broker are mutually exclusive")
	}
	if csmsURL == "" && brokerURL == "" {
		switch {
		case cfg.Adapters.OCPP != nil:
			csmsURL = cfg.Adapters.OCPP.URL
		case cfg.Adapters.MQTT != nil:
			brokerURL = cfg.Adapters.MQTT.BrokerURL
		}
	}
	if csmsURL == "" && brokerURL == "" {
		return "", "", fmt.Errorf("nowhere to publish: pass --csms or --broker, or configure adapters.ocpp or adapters.mqtt")
	}
	return csmsURL, brokerURL, nil
}

// emulateTemplate builds the shared charger template from the config's
// emulator defaults and the command flags.
func emulateTemplate(cfg *config.Config, log *slog.Logger) emulator.ChargerConfig {
	var template emulator.ChargerConfig
	if c := cfg.Adapters.Emulator; c != nil {
		template = c.Build().Defaults
	}
	template.ChargerID = emulateFlags.prefix
	template.Logger = log
	if emulateFlags.interval > 0 {
		template.TickInterval = emulateFlags.interval
	}
	return template
}

// spawnBrokerFleet connects one MQTT client and fans every charger's
// events through it, one envelope topic per charger.
func spawnBrokerFleet(ctx context.Context, fleet *emulator.Fleet, template emulator.ChargerConfig, brokerURL string, count int, cfg *config.Config) ([]func(), error) {
	var username, password string
	var qos byte
	timeout := mqtt.DefaultConnectTimeout
	if mc := cfg.Adapters.MQTT; mc != nil {
		username, password, qos = mc.Username, mc.Password, mc.QoS
		if d := mc.ConnectTimeout.Std(); d > 0 {
			timeout = d
		}
	}

	send, closeClient, err := dialPublishClient(brokerURL, username, password, qos, timeout)
	if err != nil {
		return nil, err
	}

	topicPrefix := defaultTopicPrefix
	if c := cfg.Adapters.Emulator; c != nil && c.TopicPrefix != "" {
		topicPrefix = c.TopicPrefix
	}
	template.Publisher = emulator.NewEnvelopePublisher(topicPrefix, send)

	if _, err := fleet.SpawnN(ctx, count, template); err != nil {
		closeClient()
		return nil, err
	}
	return []func(){closeClient}, nil
}

// spawnCSMSFleet dials one OCPP connection per charger and publishes
// each charger's events as calls on its own connection.
func spawnCSMSFleet(ctx context.Context, fleet *emulator.Fleet, template emulator.ChargerConfig, csmsURL string, count int, log *slog.Logger) ([]func(), error) {
	if count <= 0 {
		return nil, fmt.Errorf("charger count must be positive, got %d", count)
	}

	var closers []func()
	for i := 1; i <= count; i++ {
		chargerID := fmt.Sprintf("%s-%d", template.ChargerID, i)
		cp, err := ocpp.Dial(ctx, csmsURL, chargerID, ocpp.WithLogger(log))
		if err != nil {
			return closers, fmt.Errorf("connect %s to central system: %w", chargerID, err)
		}
		closers = append(closers, func() { _ = cp.Close() })

		chargerCfg := template
		chargerCfg.ChargerID = chargerID
		chargerCfg.Publisher = emulator.NewCallPublisher(cp)
		if _, err := fleet.Spawn(ctx, chargerCfg); err != nil {
			return closers, err
		}
	}
	return closers, nil
}
