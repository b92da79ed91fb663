package mail

import (
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"golang.org/x/net/idna"
)

// AddressSource is one of the shapes an address field can arrive in:
// Single, Many or Raw.
type AddressSource interface {
	addresses() []string
}

// Single is one address, optionally with a display name.
type Single string

// Many is an already split list of addresses.
type Many []string

// Raw is an unparsed header value such as "Bob <bob@example.com>, carol@example.com".
type Raw string

func (s Single) addresses() []string { return []string{string(s)} }

func (m Many) addresses() []string { return m }

func (r Raw) addresses() []string {
	list, err := gomail.ParseAddressList(string(r))
	if err != nil {
		// Fall back to a plain comma split for headers net/mail rejects.
		return strings.Split(string(r), ",")
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// NormalizeAddresses returns the bare, lowercased addresses of src in their
// original order. Duplicates and entries that do not parse are dropped.
func NormalizeAddresses(src AddressSource) []string {
	if src == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, entry := range src.addresses() {
		addr := NormalizeAddress(entry)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// NormalizeAddress strips any display name and angle brackets and lowercases
// the address. It returns "" when entry holds no address.
func NormalizeAddress(entry string) string {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ""
	}
	if a, err := gomail.ParseAddress(entry); err == nil {
		return strings.ToLower(a.Address)
	}
	entry = strings.Trim(entry, "<> ")
	if !strings.Contains(entry, "@") {
		return ""
	}
	return strings.ToLower(entry)
}

// ValidAddress reports whether addr is structurally a mailbox address:
// a non-empty local part and a dotted domain that survives IDNA conversion.
func ValidAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.ContainsAny(addr, " \t\r\n") {
		return false
	}
	parsed, err := gomail.ParseAddress(addr)
	if err != nil || parsed.Name != "" {
		return false
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return false
	}
	domain, err := idna.Lookup.ToASCII(parsed.Address[at+1:])
	if err != nil {
		return false
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
	}
	return true
}

// Contains reports whether addr is in list. Both sides are expected to be normalized.
func Contains(list []string, addr string) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
