package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chargekit/chargekit/pkg/auth"
	"github.com/chargekit/chargekit/pkg/emulator"
	"github.com/chargekit/chargekit/pkg/logging"
	"github.com/chargekit/chargekit/pkg/mqtt"
	"github.com/chargekit/chargekit/pkg/ocpp"
	"github.com/chargekit/chargekit/pkg/rest"
)

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// Duration decodes Go duration strings ("30s", "2m") and raw integers
// (milliseconds) from YAML and JSON.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case int64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration value %v (want string or milliseconds)", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Config is the toolkit configuration file.
type Config struct {
	Logging  LoggingConfig  `json:"logging,omitempty" yaml:"logging,omitempty"`
	Broker   *BrokerConfig  `json:"broker,omitempty" yaml:"broker,omitempty"`
	Adapters AdaptersConfig `json:"adapters,omitempty" yaml:"adapters,omitempty"`
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Build converts to the logging package's config.
func (c LoggingConfig) Build() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Level != "" {
		cfg.Level = logging.ParseLevel(c.Level)
	}
	if c.Format != "" {
		cfg.Format = logging.ParseFormat(c.Format)
	}
	return cfg
}

// BrokerConfig configures the embedded MQTT broker.
type BrokerConfig struct {
	Port  int          `json:"port,omitempty" yaml:"port,omitempty"`
	Users []BrokerUser `json:"users,omitempty" yaml:"users,omitempty"`
}

// BrokerUser is one username/password pair the broker accepts.
type BrokerUser struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Build converts to the broker's runtime config.
func (c *BrokerConfig) Build() *mqtt.BrokerConfig {
	cfg := &mqtt.BrokerConfig{Port: c.Port}
	if len(c.Users) > 0 {
		users := make([]mqtt.BrokerCredentials, 0, len(c.Users))
		for _, u := range c.Users {
			users = append(users, mqtt.BrokerCredentials{Username: u.Username, Password: u.Password})
		}
		cfg.Auth = &mqtt.BrokerAuth{Enabled: true, Users: users}
	}
	return cfg
}

func (c *BrokerConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &ValidationError{Field: "broker.port", Message: "port must be between 0 and 65535"}
	}
	for i, u := range c.Users {
		if u.Username == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.users[%d].username", i),
				Message: "username is required",
			}
		}
	}
	return nil
}

// AdaptersConfig holds one optional block per adapter.
type AdaptersConfig struct {
	REST     *RESTConfig     `json:"rest,omitempty" yaml:"rest,omitempty"`
	OCPP     *OCPPConfig     `json:"ocpp,omitempty" yaml:"ocpp,omitempty"`
	MQTT     *MQTTConfig     `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Auth     *AuthConfig     `json:"auth,omitempty" yaml:"auth,omitempty"`
	Emulator *EmulatorConfig `json:"emulator,omitempty" yaml:"emulator,omitempty"`
}

// RESTConfig is the file form of the REST adapter config.
type RESTConfig struct {
	BaseURL      string            `json:"baseUrl" yaml:"baseUrl"`
	Endpoints    map[string]string `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout      Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries   int               `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	RetryBackoff Duration          `json:"retryBackoff,omitempty" yaml:"retryBackoff,omitempty"`
	IDPaths      []string          `json:"idPaths,omitempty" yaml:"idPaths,omitempty"`
}

// Build converts to the REST adapter's runtime config.
func (c *RESTConfig) Build() rest.Config {
	return rest.Config{
		BaseURL:      c.BaseURL,
		Endpoints:    c.Endpoints,
		Headers:      c.Headers,
		Timeout:      c.Timeout.Std(),
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff.Std(),
		IDPaths:      c.IDPaths,
	}
}

func (c *RESTConfig) validate() error {
	if c.BaseURL == "" {
		return &ValidationError{Field: "adapters.rest.baseUrl", Message: "baseUrl is required"}
	}
	return nil
}

// OCPPConfig is the file form of the OCPP adapter config.
type OCPPConfig struct {
	URL          string   `json:"url" yaml:"url"`
	CallTimeout  Duration `json:"callTimeout,omitempty" yaml:"callTimeout,omitempty"`
	BootModel    string   `json:"bootModel,omitempty" yaml:"bootModel,omitempty"`
	BootVendor   string   `json:"bootVendor,omitempty" yaml:"bootVendor,omitempty"`
	DefaultIDTag string   `json:"defaultIdTag,omitempty" yaml:"defaultIdTag,omitempty"`
	ConnectorID  int      `json:"connectorId,omitempty" yaml:"connectorId,omitempty"`
}

// Build converts to the OCPP adapter's runtime config.
func (c *OCPPConfig) Build() ocpp.Config {
	return ocpp.Config{
		URL:          c.URL,
		CallTimeout:  c.CallTimeout.Std(),
		BootModel:    c.BootModel,
		BootVendor:   c.BootVendor,
		DefaultIDTag: c.DefaultIDTag,
		ConnectorID:  c.ConnectorID,
	}
}

func (c *OCPPConfig) validate() error {
	if c.URL == "" {
		return &ValidationError{Field: "adapters.ocpp.url", Message: "url is required"}
	}
	return nil
}

// MQTTConfig is the file form of the MQTT adapter config.
type MQTTConfig struct {
	BrokerURL       string   `json:"brokerUrl" yaml:"brokerUrl"`
	ClientID        string   `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	Username        string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password        string   `json:"password,omitempty" yaml:"password,omitempty"`
	PublishTopic    string   `json:"publishTopic,omitempty" yaml:"publishTopic,omitempty"`
	SubscribeTopics []string `json:"subscribeTopics,omitempty" yaml:"subscribeTopics,omitempty"`
	QoS             byte     `json:"qos,omitempty" yaml:"qos,omitempty"`
	ConnectTimeout  Duration `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`
	PublishTimeout  Duration `json:"publishTimeout,omitempty" yaml:"publishTimeout,omitempty"`
}

// Build converts to the MQTT adapter's runtime config.
func (c *MQTTConfig) Build() mqtt.Config {
	return mqtt.Config{
		BrokerURL:       c.BrokerURL,
		ClientID:        c.ClientID,
		Username:        c.Username,
		Password:        c.Password,
		PublishTopic:    c.PublishTopic,
		SubscribeTopics: c.SubscribeTopics,
		QoS:             c.QoS,
		ConnectTimeout:  c.ConnectTimeout.Std(),
		PublishTimeout:  c.PublishTimeout.Std(),
	}
}

func (c *MQTTConfig) validate() error {
	if c.BrokerURL == "" {
		return &ValidationError{Field: "adapters.mqtt.brokerUrl", Message: "brokerUrl is required"}
	}
	if c.QoS > 2 {
		return &ValidationError{Field: "adapters.mqtt.qos", Message: "qos must be 0, 1, or 2"}
	}
	return nil
}

// AuthConfig is the file form of the auth adapter config.
type AuthConfig struct {
	BaseURL      string   `json:"baseUrl" yaml:"baseUrl"`
	RegisterPath string   `json:"registerPath,omitempty" yaml:"registerPath,omitempty"`
	LoginPath    string   `json:"loginPath,omitempty" yaml:"loginPath,omitempty"`
	RefreshPath  string   `json:"refreshPath,omitempty" yaml:"refreshPath,omitempty"`
	UsersPath    string   `json:"usersPath,omitempty" yaml:"usersPath,omitempty"`
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ExpiryBuffer Duration `json:"expiryBuffer,omitempty" yaml:"expiryBuffer,omitempty"`
}

// Build converts to the auth adapter's runtime config.
func (c *AuthConfig) Build() auth.Config {
	return auth.Config{
		BaseURL:      c.BaseURL,
		RegisterPath: c.RegisterPath,
		LoginPath:    c.LoginPath,
		RefreshPath:  c.RefreshPath,
		UsersPath:    c.UsersPath,
		Timeout:      c.Timeout.Std(),
		ExpiryBuffer: c.ExpiryBuffer.Std(),
	}
}

func (c *AuthConfig) validate() error {
	if c.BaseURL == "" {
		return &ValidationError{Field: "adapters.auth.baseUrl", Message: "baseUrl is required"}
	}
	return nil
}

// EmulatorConfig is the file form of the emulator adapter defaults.
type EmulatorConfig struct {
	Model              string          `json:"model,omitempty" yaml:"model,omitempty"`
	Vendor             string          `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	Connectors         int             `json:"connectors,omitempty" yaml:"connectors,omitempty"`
	MaxPowerKW         float64         `json:"maxPowerKw,omitempty" yaml:"maxPowerKw,omitempty"`
	BatteryCapacityKWh float64         `json:"batteryCapacityKwh,omitempty" yaml:"batteryCapacityKwh,omitempty"`
	InitialSoC         float64         `json:"initialSoc,omitempty" yaml:"initialSoc,omitempty"`
	TickInterval       Duration        `json:"tickInterval,omitempty" yaml:"tickInterval,omitempty"`
	PreparingDelay     Duration        `json:"preparingDelay,omitempty" yaml:"preparingDelay,omitempty"`
	FinishingDelay     Duration        `json:"finishingDelay,omitempty" yaml:"finishingDelay,omitempty"`
	Rules              []emulator.Rule `json:"rules,omitempty" yaml:"rules,omitempty"`

	// TopicPrefix routes emulator events onto MQTT topics
	// "{prefix}/{chargerId}" when the CLI wires an envelope publisher.
	TopicPrefix string `json:"topicPrefix,omitempty" yaml:"topicPrefix,omitempty"`
}

// Build converts to the emulator adapter's runtime config. Publishers
// are wired by the caller.
func (c *EmulatorConfig) Build() emulator.Config {
	return emulator.Config{
		Defaults: emulator.ChargerConfig{
			Model:              c.Model,
			Vendor:             c.Vendor,
			Connectors:         c.Connectors,
			MaxPowerKW:         c.MaxPowerKW,
			BatteryCapacityKWh: c.BatteryCapacityKWh,
			InitialSoC:         c.InitialSoC,
			TickInterval:       c.TickInterval.Std(),
			PreparingDelay:     c.PreparingDelay.Std(),
			FinishingDelay:     c.FinishingDelay.Std(),
			Rules:              c.Rules,
		},
	}
}

func (c *EmulatorConfig) validate() error {
	if c.Connectors < 0 {
		return &ValidationError{Field: "adapters.emulator.connectors", Message: "connectors must not be negative"}
	}
	for i, r := range c.Rules {
		if r.Name == "" || r.When == "" || r.Status == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("adapters.emulator.rules[%d]", i),
				Message: "rules need name, when, and status",
			}
		}
	}
	return nil
}

// Validate checks the whole toolkit config.
func (c *Config) Validate() error {
	if c.Broker != nil {
		if err := c.Broker.validate(); err != nil {
			return err
		}
	}
	if c.Adapters.REST != nil {
		if err := c.Adapters.REST.validate(); err != nil {
			return err
		}
	}
	if c.Adapters.OCPP != nil {
		if err := c.Adapters.OCPP.validate(); err != nil {
			return err
		}
	}
	if c.Adapters.MQTT != nil {
		if err := c.Adapters.MQTT.validate(); err != nil {
			return err
		}
	}
	if c.Adapters.Auth != nil {
		if err := c.Adapters.Auth.validate(); err != nil {
			return err
		}
	}
	if c.Adapters.Emulator != nil {
		if err := c.Adapters.Emulator.validate(); err != nil {
			return err
		}
	}
	return nil
}
