package escrow

// Quorum rule: early release requires a confirmation from every party except
// the payer. A single-payee contract needs one confirmation; a multi-payee
// contract needs all of them. Partial confirmation never releases funds.

// Payer returns the paying party (always Parties[0]).
func Payer(c *Contract) string {
	if len(c.Parties) == 0 {
		return ""
	}
	return c.Parties[0]
}

// RequiredConfirmers returns the parties whose confirmation is needed for
// early release: everyone except the payer.
func RequiredConfirmers(c *Contract) []string {
	if len(c.Parties) < 2 {
		return nil
	}
	return c.Parties[1:]
}

// HasQuorum reports whether every required confirmer appears in ConfirmedBy.
// The payer may confirm too (it is recorded) but never counts toward quorum,
// so a payer can never single-handedly release its own funds.
func HasQuorum(c *Contract) bool {
	required := RequiredConfirmers(c)
	if len(required) == 0 {
		return false
	}
	for _, p := range required {
		if !hasConfirmed(c, p) {
			return false
		}
	}
	return true
}

func hasConfirmed(c *Contract, party string) bool {
	for _, p := range c.ConfirmedBy {
		if p == party {
			return true
		}
	}
	return false
}

// addConfirmer appends party to the set if absent. Confirmations are
// idempotent: a duplicate leaves the set unchanged.
func addConfirmer(confirmed []string, party string) []string {
	for _, p := range confirmed {
		if p == party {
			return confirmed
		}
	}
	return append(confirmed, party)
}
