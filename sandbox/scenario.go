package sandbox

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Scenario seeds the demo bank and subscriber roster from a YAML file, so a
// sandbox run starts with realistic ledger state.
type Scenario struct {
	HostID      string              `yaml:"hostID"`
	Accounts    []ScenarioAccount   `yaml:"accounts"`
	Subscribers []ScenarioUser      `yaml:"subscribers"`
	Incoming    []ScenarioTransfer  `yaml:"incoming"`
}

type ScenarioAccount struct {
	IBAN           string `yaml:"iban"`
	BIC            string `yaml:"bic"`
	Owner          string `yaml:"owner"`
	Currency       string `yaml:"currency"`
	OpeningBalance string `yaml:"openingBalance"`
}

type ScenarioUser struct {
	PartnerID string   `yaml:"partnerID"`
	UserID    string   `yaml:"userID"`
	Accounts  []string `yaml:"accounts"`
}

// ScenarioTransfer is an externally originated credit booked at startup.
type ScenarioTransfer struct {
	Account    string `yaml:"account"`
	FromIBAN   string `yaml:"fromIban"`
	FromBIC    string `yaml:"fromBic"`
	FromName   string `yaml:"fromName"`
	Subject    string `yaml:"subject"`
	EndToEndID string `yaml:"endToEndId"`
	Amount     string `yaml:"amount"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("sandbox: parse scenario: %w", err)
	}
	if s.HostID == "" {
		return nil, fmt.Errorf("sandbox: scenario lacks hostID")
	}
	return &s, nil
}

// Apply seeds the bank and host from the scenario.
func (s *Scenario) Apply(host *Host) error {
	bank := host.Bank()
	for _, acct := range s.Accounts {
		opening := decimal.Zero
		if acct.OpeningBalance != "" {
			var err error
			opening, err = decimal.NewFromString(acct.OpeningBalance)
			if err != nil {
				return fmt.Errorf("sandbox: opening balance of %s: %w", acct.IBAN, err)
			}
		}
		bank.AddAccount(Account{
			IBAN:     acct.IBAN,
			BIC:      acct.BIC,
			Owner:    acct.Owner,
			Currency: acct.Currency,
		}, opening)
	}
	for _, user := range s.Subscribers {
		host.AddSubscriber(user.PartnerID, user.UserID, user.Accounts)
	}
	for _, in := range s.Incoming {
		amount, err := decimal.NewFromString(in.Amount)
		if err != nil {
			return fmt.Errorf("sandbox: incoming amount %q: %w", in.Amount, err)
		}
		if err := bank.Credit(in.Account, in.FromIBAN, in.FromBIC, in.FromName, in.Subject, in.EndToEndID, amount); err != nil {
			return err
		}
	}
	return nil
}
