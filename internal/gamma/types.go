package gamma

import "encoding/json"

// Market represents a prediction market as returned by the Gamma API.
type Market struct {
	ID          string `json:"id"`
	Question    string `json:"question"`
	ConditionID string `json:"conditionId"`
	Slug        string `json:"slug"`
	Active      bool   `json:"active"`
	Closed      bool   `json:"closed"`

	// These fields are JSON strings that need secondary parsing
	ClobTokenIds string `json:"clobTokenIds"` // JSON array as string
	Outcomes     string `json:"outcomes"`     // JSON array as string
}

// ParseTokenIDs parses the ClobTokenIds JSON string into a slice of token IDs.
func (m *Market) ParseTokenIDs() ([]string, error) {
	if m.ClobTokenIds == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ParseOutcomes parses the Outcomes JSON string into a slice of outcome names.
func (m *Market) ParseOutcomes() ([]string, error) {
	if m.Outcomes == "" {
		return nil, nil
	}
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Filter contains query parameters for market requests.
type Filter struct {
	Active *bool
	Closed *bool
	Slug   string
	Limit  int
}
