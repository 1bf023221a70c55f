package sender

import (
	"net/mail"
	"strings"

	"go.uber.org/zap"
)

// Unknown is the canonical sender for addresses that cannot be parsed
const Unknown = "unknown"

// DefaultAutomatedPatterns are local-part prefixes typical of machine senders
var DefaultAutomatedPatterns = []string{
	"noreply",
	"donotreply",
	"notification",
	"notify",
	"alert",
	"mailerdaemon",
	"postmaster",
	"bounce",
	"newsletter",
	"updates",
	"digest",
	"marketing",
	"receipts",
	"automated",
}

// Matcher recognises automated senders by local-part pattern or by domain
type Matcher struct {
	patterns []string
	domains  []string
	logger   *zap.Logger
}

// NewMatcher creates a new sender matcher. Empty patterns fall back to DefaultAutomatedPatterns.
func NewMatcher(patterns, domains []string, logger *zap.Logger) *Matcher {
	if len(patterns) == 0 {
		patterns = DefaultAutomatedPatterns
	}

	normalizedPatterns := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = compactLocal(strings.TrimSpace(p)); p != "" {
			normalizedPatterns = append(normalizedPatterns, p)
		}
	}

	normalizedDomains := make([]string, 0, len(domains))
	for _, d := range domains {
		if d = strings.ToLower(strings.Trim(strings.TrimSpace(d), ".")); d != "" {
			normalizedDomains = append(normalizedDomains, d)
		}
	}

	if len(normalizedDomains) > 0 && logger != nil {
		logger.Info("Initialized automated sender matcher",
			zap.Int("patterns", len(normalizedPatterns)),
			zap.Strings("domains", normalizedDomains))
	}

	return &Matcher{
		patterns: normalizedPatterns,
		domains:  normalizedDomains,
		logger:   logger,
	}
}

// ParseAddress extracts the lower-cased local part and domain from a From header value
func ParseAddress(from string) (local, domain string, ok bool) {
	from = strings.TrimSpace(from)
	if from == "" {
		return "", "", false
	}

	addr := from
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = parsed.Address
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", false
	}
	local = strings.ToLower(addr[:at])
	domain = strings.ToLower(strings.TrimSuffix(addr[at+1:], "."))
	if strings.ContainsAny(local, " <>") || strings.ContainsAny(domain, " <>@") || !strings.Contains(domain, ".") {
		return "", "", false
	}
	return local, domain, true
}

// IsAutomated checks whether the sender looks like a machine rather than a person
func (m *Matcher) IsAutomated(from string) bool {
	local, domain, ok := ParseAddress(from)
	if !ok {
		return false
	}
	return m.matches(local, domain)
}

// Canonical returns the sender dimension used in signatures: auto@domain for
// automated senders, the full address for humans, Unknown otherwise.
func (m *Matcher) Canonical(from string) string {
	local, domain, ok := ParseAddress(from)
	if !ok {
		return Unknown
	}
	if m.matches(local, domain) {
		return "auto@" + domain
	}
	return local + "@" + domain
}

func (m *Matcher) matches(local, domain string) bool {
	for _, d := range m.domains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			if m.logger != nil {
				m.logger.Debug("Automated sender domain matched", zap.String("domain", domain))
			}
			return true
		}
	}

	compact := compactLocal(local)
	for _, p := range m.patterns {
		if strings.HasPrefix(compact, p) {
			return true
		}
	}
	return false
}

// compactLocal strips separators so no-reply, no_reply and no.reply compare equal
func compactLocal(local string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.':
			return -1
		}
		return r
	}, strings.ToLower(local))
}
