package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// alternate date layouts models sometimes answer with
var dateLayouts = []string{
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"Jan 2, 2006",
}

// stripCodeFence removes a surrounding markdown code block from a model answer
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// parseReceiptJSON extracts receipt data from a model answer. now is used
// when the date is missing or unreadable.
func parseReceiptJSON(text string, now time.Time) (*ReceiptData, error) {
	text = stripCodeFence(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var data ReceiptData
	if err := json.Unmarshal([]byte(text[start:end+1]), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data.Date = normalizeDate(data.Date, now)

	data.Merchant = strings.TrimSpace(data.Merchant)
	if data.Merchant == "" {
		data.Merchant = "Unknown Merchant"
	}

	if data.Amount < 0 {
		return nil, fmt.Errorf("negative total in response: %v", data.Amount)
	}

	return &data, nil
}

func normalizeDate(raw string, now time.Time) string {
	raw = strings.TrimSpace(raw)
	if d, err := time.Parse(dateLayout, raw); err == nil {
		return d.Format(dateLayout)
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d.Format(dateLayout)
		}
	}
	return now.Format(dateLayout)
}
