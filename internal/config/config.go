package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Ledger struct {
		AutoApproveThreshold int64  `yaml:"auto_approve_threshold"`
		TreasuryAccount      string `yaml:"treasury_account"`
		FeePoolAccount       string `yaml:"fee_pool_account"`
	} `yaml:"ledger"`
	Reputation struct {
		RatingTolerance    float64  `yaml:"rating_tolerance"`
		RatingDeadline     Duration `yaml:"rating_deadline"`
		OrchestratorWeight float64  `yaml:"orchestrator_weight"`
		DecayRate          float64  `yaml:"decay_rate"`
		DecayPeriod        Duration `yaml:"decay_period"`
	} `yaml:"reputation"`
	Tasks struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"tasks"`
	Arbitration struct {
		Quorum             int      `yaml:"quorum"`
		Deadline           Duration `yaml:"deadline"`
		Penalty            float64  `yaml:"penalty"`
		PartialPayoutRatio float64  `yaml:"partial_payout_ratio"`
		Fee                int64    `yaml:"fee"`
	} `yaml:"arbitration"`
	Approval struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"approval"`
	Payout struct {
		BonusThreshold    float64 `yaml:"bonus_threshold"`
		BonusMultiplier   float64 `yaml:"bonus_multiplier"`
		PenaltyThreshold  float64 `yaml:"penalty_threshold"`
		PenaltyMultiplier float64 `yaml:"penalty_multiplier"`
	} `yaml:"payout"`
	Router struct {
		MaxConflicts int `yaml:"max_conflicts"`
	} `yaml:"router"`
	Scheduler    Scheduler    `yaml:"scheduler"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Logging      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Server struct {
		Addr      string  `yaml:"addr"`
		BasePath  string  `yaml:"base_path"`
		JWTSecret string  `yaml:"jwt_secret"`
		RateLimit float64 `yaml:"rate_limit"`
		Burst     int     `yaml:"burst"`
		// AllowActorHeader accepts an unauthenticated X-Actor-Id header. Development only.
		AllowActorHeader bool `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Redis struct {
		Addr   string   `yaml:"addr"`
		Stream string   `yaml:"stream"`
		Events []string `yaml:"events"`
		MaxLen int64    `yaml:"max_len"`
	} `yaml:"redis"`
}

// Scheduler holds the interval of every background loop. A zero interval disables the loop.
type Scheduler struct {
	MatchInterval    Duration `yaml:"match_interval"`
	ExpiryInterval   Duration `yaml:"expiry_interval"`
	RatingInterval   Duration `yaml:"rating_interval"`
	DisputeInterval  Duration `yaml:"dispute_interval"`
	ApprovalInterval Duration `yaml:"approval_interval"`
	DecayInterval    Duration `yaml:"decay_interval"`
	AuditInterval    Duration `yaml:"audit_interval"`
	CreateInterval   Duration `yaml:"create_interval"`
	RelayInterval    Duration `yaml:"relay_interval"`
}

// Orchestrator describes tasks created on a schedule.
type Orchestrator struct {
	Account   string     `yaml:"account"`
	Recurring []Template `yaml:"recurring"`
}

type Template struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
	Reward      int64    `yaml:"reward"`
	Priority    string   `yaml:"priority"`
	Every       Duration `yaml:"every"`
}

// Duration is a time.Duration that reads Go duration strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if c.Ledger.AutoApproveThreshold < 0 {
		return fmt.Errorf("config.ledger.auto_approve_threshold must be >= 0")
	}
	if c.Ledger.TreasuryAccount == "" {
		return fmt.Errorf("config.ledger.treasury_account is required")
	}
	if c.Ledger.FeePoolAccount == "" {
		return fmt.Errorf("config.ledger.fee_pool_account is required")
	}
	if c.Ledger.FeePoolAccount == c.Ledger.TreasuryAccount {
		return fmt.Errorf("config.ledger.fee_pool_account must differ from treasury_account")
	}
	if c.Reputation.RatingTolerance < 0 || c.Reputation.RatingTolerance > 5 {
		return fmt.Errorf("config.reputation.rating_tolerance must be within [0,5]")
	}
	if c.Reputation.OrchestratorWeight < 0 || c.Reputation.OrchestratorWeight > 1 {
		return fmt.Errorf("config.reputation.orchestrator_weight must be within [0,1]")
	}
	if c.Reputation.DecayRate < 0 || c.Reputation.DecayRate > 1 {
		return fmt.Errorf("config.reputation.decay_rate must be within [0,1]")
	}
	if c.Reputation.DecayPeriod <= 0 {
		return fmt.Errorf("config.reputation.decay_period must be positive")
	}
	if c.Reputation.RatingDeadline <= 0 {
		return fmt.Errorf("config.reputation.rating_deadline must be positive")
	}
	if c.Tasks.TTL <= 0 {
		return fmt.Errorf("config.tasks.ttl must be positive")
	}
	if c.Arbitration.Quorum < 1 {
		return fmt.Errorf("config.arbitration.quorum must be >= 1")
	}
	if c.Arbitration.Deadline <= 0 {
		return fmt.Errorf("config.arbitration.deadline must be positive")
	}
	if c.Arbitration.Penalty < 0 || c.Arbitration.Penalty > 5 {
		return fmt.Errorf("config.arbitration.penalty must be within [0,5]")
	}
	if c.Arbitration.PartialPayoutRatio < 0 || c.Arbitration.PartialPayoutRatio > 1 {
		return fmt.Errorf("config.arbitration.partial_payout_ratio must be within [0,1]")
	}
	if c.Arbitration.Fee < 0 {
		return fmt.Errorf("config.arbitration.fee must be >= 0")
	}
	if c.Approval.TTL <= 0 {
		return fmt.Errorf("config.approval.ttl must be positive")
	}
	if c.Payout.BonusMultiplier <= 0 || c.Payout.PenaltyMultiplier <= 0 {
		return fmt.Errorf("config.payout multipliers must be positive")
	}
	if c.Payout.PenaltyThreshold >= c.Payout.BonusThreshold {
		return fmt.Errorf("config.payout.penalty_threshold must be below bonus_threshold")
	}
	if c.Router.MaxConflicts < 1 {
		return fmt.Errorf("config.router.max_conflicts must be >= 1")
	}
	for i, tpl := range c.Orchestrator.Recurring {
		if tpl.Name == "" {
			return fmt.Errorf("config.orchestrator.recurring[%d].name is required", i)
		}
		if tpl.Reward <= 0 {
			return fmt.Errorf("recurring task %s: reward must be positive", tpl.Name)
		}
		if tpl.Every <= 0 {
			return fmt.Errorf("recurring task %s: every must be positive", tpl.Name)
		}
	}
	if len(c.Orchestrator.Recurring) > 0 && c.Orchestrator.Account == "" {
		return fmt.Errorf("config.orchestrator.account is required for recurring tasks")
	}
	if c.Redis.Addr != "" && c.Redis.Stream == "" {
		return fmt.Errorf("config.redis.stream is required when redis.addr is set")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".bountyline", "bountyline.yml")
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

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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
  auto_approve_threshold: 1000
  treasury_account: treasury
  fee_pool_account: arbitration-pool

reputation:
  rating_tolerance: 2
  rating_deadline: 1h
  orchestrator_weight: 0.5
  decay_rate: 0.05
  decay_period: 24h

tasks:
  ttl: 72h

arbitration:
  quorum: 3
  deadline: 48h
  penalty: 0.5
  partial_payout_ratio: 0.5
  fee: 0

approval:
  ttl: 24h

payout:
  bonus_threshold: 4.5
  bonus_multiplier: 1.5
  penalty_threshold: 2.0
  penalty_multiplier: 0.8

router:
  max_conflicts: 5

scheduler:
  match_interval: 5s
  expiry_interval: 30s
  rating_interval: 30s
  dispute_interval: 30s
  approval_interval: 1m
  decay_interval: 1h
  audit_interval: 5m
  create_interval: 1m
  relay_interval: 2s

orchestrator:
  account: orchestrator

logging:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  rate_limit: 50
  burst: 100
  allow_actor_header: false

redis:
  stream: bountyline:events
  max_len: 10000
`
