package intent

import (
	"regexp"
	"sort"
	"strings"
)

const (
	amountExpr   = `(\d+(?:\.\d+)?|\.\d+)`
	currencyExpr = `([a-z][a-z0-9]{1,9})`
	emailExpr    = `([a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,})`
	callSignExpr = `([a-z0-9][a-z0-9._-]*)`
)

// Candidate is the raw capture of a grammar match, before validation.
type Candidate struct {
	Kind      Kind
	Amount    string
	Currency  string
	Recipient string
	CallSign  string
}

// Grammar is one entry of the transaction grammar table. Lower Priority
// values are tried first.
type Grammar struct {
	Name     string
	Priority int
	Pattern  *regexp.Regexp
	Extract  func(groups []string) Candidate
}

// Match applies the grammar to lowercased text.
func (g Grammar) Match(text string) (Candidate, bool) {
	groups := g.Pattern.FindStringSubmatch(text)
	if groups == nil {
		return Candidate{}, false
	}
	return g.Extract(groups), true
}

// DefaultGrammars returns the built-in grammar table, call-sign form first.
func DefaultGrammars() []Grammar {
	return []Grammar{
		{
			Name:     "send_call_sign",
			Priority: 10,
			Pattern:  regexp.MustCompile(`\bsend\s+` + amountExpr + `\s*` + currencyExpr + `\s*:\s*` + callSignExpr),
			Extract: func(g []string) Candidate {
				return Candidate{
					Kind:     KindTransferWithCallSign,
					Amount:   g[1],
					Currency: g[2],
					CallSign: strings.TrimRight(g[3], ".-_"),
				}
			},
		},
		{
			Name:     "send_to",
			Priority: 20,
			Pattern:  regexp.MustCompile(`\bsend\s+` + amountExpr + `\s*` + currencyExpr + `\s+to\s+` + emailExpr),
			Extract:  explicitRecipient(1, 2, 3),
		},
		{
			Name:     "transfer_to",
			Priority: 30,
			Pattern:  regexp.MustCompile(`\btransfer\s+` + amountExpr + `\s*` + currencyExpr + `\s+to\s+` + emailExpr),
			Extract:  explicitRecipient(1, 2, 3),
		},
		{
			Name:     "pay",
			Priority: 40,
			Pattern:  regexp.MustCompile(`\bpay\s+` + emailExpr + `\s+` + amountExpr + `\s*` + currencyExpr),
			Extract:  explicitRecipient(2, 3, 1),
		},
	}
}

func explicitRecipient(amount, currency, recipient int) func([]string) Candidate {
	return func(g []string) Candidate {
		return Candidate{
			Kind:      KindTransfer,
			Amount:    g[amount],
			Currency:  g[currency],
			Recipient: strings.TrimRight(g[recipient], "."),
		}
	}
}

func sortGrammars(grammars []Grammar) []Grammar {
	out := append([]Grammar(nil), grammars...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// balancePattern is matched independently of the transaction grammars.
var balancePattern = regexp.MustCompile(`\bwhat\s+is\s+my\s+(?:current\s+)?balance\b`)
