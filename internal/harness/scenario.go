package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultStart is the clock start when a scenario does not set one.
const DefaultStart int64 = 1_700_000_000

// DefaultToken is the token used when neither scenario nor step sets one.
const DefaultToken = "fDAIx"

// Scenario defines a market scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Token is the default token for every step.
	Token string `yaml:"token,omitempty"`

	// Start is the manual clock's start time in unix seconds.
	Start int64 `yaml:"start,omitempty"`

	// Steps run in order against one market.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action. Only the fields the action reads are meaningful.
type Step struct {
	Action string `yaml:"action"`

	// Accounts.
	Owner  string `yaml:"owner,omitempty"`
	Caller string `yaml:"caller,omitempty"`
	Buyer  string `yaml:"buyer,omitempty"`
	To     string `yaml:"to,omitempty"`

	// Item is the alias assigned by create_item and used by later steps.
	Item  string `yaml:"item,omitempty"`
	Token string `yaml:"token,omitempty"`

	// Profile and item text.
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Title       string `yaml:"title,omitempty"`
	URI         string `yaml:"uri,omitempty"`

	// Item economics.
	Price  int64  `yaml:"price,omitempty"`
	Units  int64  `yaml:"units,omitempty"`
	EndsIn string `yaml:"ends_in,omitempty"`

	// Amount is a decimal token amount (mint).
	Amount string `yaml:"amount,omitempty"`

	// Rate is an explicit decimal stream rate. When empty, open_stream and
	// update_stream use the item's required rate divided by RateDivisor.
	Rate        string `yaml:"rate,omitempty"`
	RateDivisor int64  `yaml:"rate_divisor,omitempty"`

	// By is the clock advance (advance).
	By string `yaml:"by,omitempty"`

	// ExpectError is the item error code the step must fail with, or
	// "ERROR" for any other failure.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Item    string `yaml:"item,omitempty"`
	Account string `yaml:"account,omitempty"`
	Token   string `yaml:"token,omitempty"`
	Unit    int64  `yaml:"unit,omitempty"`
	Kind    string `yaml:"kind,omitempty"`

	// Equals and AtLeast are decimal strings.
	Equals  string `yaml:"equals,omitempty"`
	AtLeast string `yaml:"at_least,omitempty"`

	// Count is the expected number of events (events).
	Count *int `yaml:"count,omitempty"`
}

// Action names.
const (
	ActionSignup        = "signup"
	ActionUpdateProfile = "update_profile"
	ActionCreateItem    = "create_item"
	ActionMint          = "mint"
	ActionOpenStream    = "open_stream"
	ActionUpdateStream  = "update_stream"
	ActionCloseStream   = "close_stream"
	ActionAdvance       = "advance"
	ActionClaim         = "claim"
	ActionUpkeep        = "upkeep"
	ActionWithdraw      = "withdraw"
	ActionUpdateItem    = "update_item"
)

// Assertion type constants.
const (
	AssertAvailable   = "available"
	AssertUnitBalance = "unit_balance"
	AssertBalance     = "balance"
	AssertEvents      = "events"
	AssertBalanced    = "balanced"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "expect_eror:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	aliases := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(step, aliases); err != nil {
			return fmt.Errorf("steps[%d] (%s): %w", i, step.Action, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, aliases); err != nil {
			return fmt.Errorf("assertions[%d] (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func validateStep(step Step, aliases map[string]bool) error {
	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	knownItem := func() error {
		if err := need("item", step.Item); err != nil {
			return err
		}
		if !aliases[step.Item] {
			return fmt.Errorf("item %q is not created by an earlier step", step.Item)
		}
		return nil
	}

	switch step.Action {
	case ActionSignup:
		return need("owner", step.Owner)
	case ActionUpdateProfile:
		if err := need("owner", step.Owner); err != nil {
			return err
		}
		return need("caller", step.Caller)
	case ActionCreateItem:
		if err := need("item", step.Item); err != nil {
			return err
		}
		if step.Owner == "" && step.Caller == "" {
			return fmt.Errorf("owner or caller is required")
		}
		if _, err := parseSeconds(step.EndsIn); err != nil {
			return fmt.Errorf("ends_in: %w", err)
		}
		aliases[step.Item] = true
		return nil
	case ActionMint:
		if err := need("to", step.To); err != nil {
			return err
		}
		_, err := decimal.NewFromString(step.Amount)
		return err
	case ActionOpenStream, ActionUpdateStream:
		if err := knownItem(); err != nil {
			return err
		}
		if step.Rate != "" {
			if _, err := decimal.NewFromString(step.Rate); err != nil {
				return fmt.Errorf("rate: %w", err)
			}
		}
		if step.RateDivisor < 0 {
			return fmt.Errorf("rate_divisor must be positive")
		}
		return need("buyer", step.Buyer)
	case ActionCloseStream, ActionClaim:
		if err := knownItem(); err != nil {
			return err
		}
		return need("buyer", step.Buyer)
	case ActionAdvance:
		_, err := parseSeconds(step.By)
		return err
	case ActionUpkeep:
		return nil
	case ActionWithdraw:
		if err := knownItem(); err != nil {
			return err
		}
		return need("caller", step.Caller)
	case ActionUpdateItem:
		if err := knownItem(); err != nil {
			return err
		}
		if step.EndsIn != "" {
			if _, err := parseSeconds(step.EndsIn); err != nil {
				return fmt.Errorf("ends_in: %w", err)
			}
		}
		return need("caller", step.Caller)
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func validateAssertion(a Assertion, aliases map[string]bool) error {
	if a.Item != "" && !aliases[a.Item] {
		return fmt.Errorf("unknown item %q", a.Item)
	}
	for _, v := range []string{a.Equals, a.AtLeast} {
		if v == "" {
			continue
		}
		if _, err := decimal.NewFromString(v); err != nil {
			return err
		}
	}

	switch a.Type {
	case AssertAvailable, AssertBalanced:
		if a.Item == "" {
			return fmt.Errorf("item is required")
		}
	case AssertUnitBalance:
		if a.Item == "" || a.Account == "" || a.Unit <= 0 {
			return fmt.Errorf("item, account and unit are required")
		}
	case AssertBalance:
		if a.Item == "" && a.Account == "" {
			return fmt.Errorf("account or item is required")
		}
	case AssertEvents:
		if a.Kind == "" || a.Count == nil {
			return fmt.Errorf("kind and count are required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}

	if a.Type != AssertEvents && a.Type != AssertBalanced && a.Equals == "" && a.AtLeast == "" {
		return fmt.Errorf("equals or at_least is required")
	}
	return nil
}

// parseSeconds parses a Go duration into whole seconds. It must be positive.
func parseSeconds(s string) (int64, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, fmt.Errorf("duration %q is shorter than one second", s)
	}
	return int64(d / time.Second), nil
}
