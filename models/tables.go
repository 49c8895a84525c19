package models

// Tables lists every table the engine owns, in creation order
func Tables() []any {
	return []any{
		&Campaign{},
		&Recipient{},
		&Message{},
		&DedupRecord{},
		&DailyQuotaLedger{},
	}
}
