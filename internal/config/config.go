package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"claimledger/internal/domain"
	"claimledger/internal/money"
)

// Config models claimledger.yml.
type Config struct {
	Ledger struct {
		Currency            string `yaml:"currency"`
		VoidWindowDays      int    `yaml:"void_window_days"`
		AuditRetentionYears int    `yaml:"audit_retention_years"`
	} `yaml:"ledger"`
	Overrides struct {
		Fields []string `yaml:"fields"`
	} `yaml:"overrides"`
	Encryption struct {
		KeyEnv string   `yaml:"key_env"`
		Fields []string `yaml:"fields"`
	} `yaml:"encryption"`
	LossTypes map[string]LossType `yaml:"loss_types"`
	Breakers  struct {
		Defaults  Breaker            `yaml:"defaults"`
		Resources map[string]Breaker `yaml:"resources"`
	} `yaml:"breakers"`
	Rails    map[string]Rail `yaml:"rails"`
	Webhooks []Webhook       `yaml:"webhooks"`
}

// LossType carries the per-claim-type payment allow-list and reserve ceilings.
type LossType struct {
	Methods      []string          `yaml:"methods"`
	Ceiling      string            `yaml:"ceiling"`
	LineCeilings map[string]string `yaml:"line_ceilings"`
}

type Breaker struct {
	Threshold   int           `yaml:"threshold"`
	Window      time.Duration `yaml:"window"`
	Recovery    time.Duration `yaml:"recovery"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Rail configures the disbursement adapter for one payment method.
type Rail struct {
	Kind      string        `yaml:"kind"`
	URL       string        `yaml:"url"`
	SecretEnv string        `yaml:"secret_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Webhook receives the audit feed. Entities limits delivery to the listed
// entity types; empty means all.
type Webhook struct {
	URL            string   `yaml:"url"`
	SecretEnv      string   `yaml:"secret_env"`
	Entities       []string `yaml:"entities"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const DefaultLossType = "default"

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with claimctl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !money.ValidCurrency(c.Ledger.Currency) {
		return fmt.Errorf("config.ledger.currency %q is not a known currency", c.Ledger.Currency)
	}
	if c.Ledger.VoidWindowDays <= 0 {
		return fmt.Errorf("config.ledger.void_window_days must be positive")
	}
	if c.Ledger.AuditRetentionYears <= 0 {
		return fmt.Errorf("config.ledger.audit_retention_years must be positive")
	}
	for _, f := range c.Overrides.Fields {
		if !domain.WritablePolicyField(f) {
			return fmt.Errorf("config.overrides.fields: %s is not an overridable policy field", f)
		}
	}
	for _, f := range c.Encryption.Fields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("config.encryption.fields contains an empty field name")
		}
	}
	if _, ok := c.LossTypes[DefaultLossType]; !ok {
		return fmt.Errorf("config.loss_types must include %s", DefaultLossType)
	}
	for name, lt := range c.LossTypes {
		if len(lt.Methods) == 0 {
			return fmt.Errorf("loss type %s allows no payment methods", name)
		}
		for _, m := range lt.Methods {
			if !domain.PaymentMethod(m).Valid() {
				return fmt.Errorf("loss type %s: unknown payment method %s", name, m)
			}
		}
		if lt.Ceiling != "" {
			if _, err := money.Parse(lt.Ceiling, c.Ledger.Currency); err != nil {
				return fmt.Errorf("loss type %s ceiling: %w", name, err)
			}
		}
		for line, amount := range lt.LineCeilings {
			if !domain.LineType(line).Valid() {
				return fmt.Errorf("loss type %s: unknown reserve line %s", name, line)
			}
			if _, err := money.Parse(amount, c.Ledger.Currency); err != nil {
				return fmt.Errorf("loss type %s line %s ceiling: %w", name, line, err)
			}
		}
	}
	for name, b := range c.breakerConfigs() {
		if b.Threshold < 0 || b.Window < 0 || b.Recovery < 0 || b.CallTimeout < 0 {
			return fmt.Errorf("breaker %s has negative settings", name)
		}
	}
	for method, r := range c.Rails {
		if !domain.PaymentMethod(method).Valid() {
			return fmt.Errorf("config.rails: unknown payment method %s", method)
		}
		switch r.Kind {
		case "simulator":
		case "http":
			if strings.TrimSpace(r.URL) == "" {
				return fmt.Errorf("rail %s: url is required for kind http", method)
			}
		default:
			return fmt.Errorf("rail %s: kind must be simulator or http", method)
		}
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, ent := range w.Entities {
			switch domain.EntityType(ent) {
			case domain.EntityClaim, domain.EntityReserve, domain.EntityPayment:
			default:
				return fmt.Errorf("config.webhooks[%d]: unknown entity type %s", i, ent)
			}
		}
	}
	return nil
}

func (c *Config) breakerConfigs() map[string]Breaker {
	out := map[string]Breaker{"defaults": c.Breakers.Defaults}
	for name, b := range c.Breakers.Resources {
		out[name] = b
	}
	return out
}

// VoidWindow is how long after creation a payment may still be voided.
func (c *Config) VoidWindow() time.Duration {
	return time.Duration(c.Ledger.VoidWindowDays) * 24 * time.Hour
}

// AuditRetention is the regulatory retention period stamped on audit entries.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Ledger.AuditRetentionYears) * 365 * 24 * time.Hour
}

// LossType returns the settings for name, falling back to the default entry.
func (c *Config) LossType(name string) LossType {
	if lt, ok := c.LossTypes[name]; ok {
		return lt
	}
	return c.LossTypes[DefaultLossType]
}

// Breaker merges the per-resource settings over the defaults.
func (c *Config) Breaker(resource string) Breaker {
	b := c.Breakers.Defaults
	o, ok := c.Breakers.Resources[resource]
	if !ok {
		return b
	}
	if o.Threshold > 0 {
		b.Threshold = o.Threshold
	}
	if o.Window > 0 {
		b.Window = o.Window
	}
	if o.Recovery > 0 {
		b.Recovery = o.Recovery
	}
	if o.CallTimeout > 0 {
		b.CallTimeout = o.CallTimeout
	}
	return b
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "claimledger.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `ledger:
  currency: USD
  void_window_days: 90
  audit_retention_years: 7

overrides:
  # descriptive and contact fields only; identifiers and coverage terms stay with the policy
  fields: [contact_name, contact_phone, contact_email, mailing_address, agent_name, description]

encryption:
  key_env: CLAIMLEDGER_ENCRYPTION_KEY
  fields: [insured_name, insured_tax_id, contact_phone, contact_email, mailing_address, payee]

# Reserve ceilings are opt-in per loss type, e.g.
#   ceiling: "250000.00"
#   line_ceilings: {EXPENSE: "25000.00"}
loss_types:
  default:
    methods: [CHECK, ACH, WIRE]
  property:
    methods: [CHECK, ACH, WIRE]
  auto:
    methods: [CHECK, ACH, CARD]
  liability:
    methods: [CHECK, ACH, WIRE]
  workers_comp:
    methods: [CHECK, ACH]

breakers:
  defaults:
    threshold: 5
    window: 60s
    recovery: 30s
    call_timeout: 5s

rails:
  CHECK: {kind: simulator}
  ACH: {kind: simulator}
  WIRE: {kind: simulator}
  CARD: {kind: simulator}

# Audit feed delivery, e.g.
# webhooks:
#   - url: https://hooks.example.com/claims
#     secret_env: CLAIMLEDGER_WEBHOOK_SECRET
#     entities: [PAYMENT]
webhooks: []
`
