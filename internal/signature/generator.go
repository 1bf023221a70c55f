package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/sender"
	"github.com/mikey/llm-mail-triage/internal/utils"
)

// version is mixed into every signature so a format change never reuses stale entries
const version = "v1"

// hexLength is the signature size: 128 bits of the SHA-256 digest
const hexLength = 32

var replyPrefix = regexp.MustCompile(`^(?:(?:re|fwd?|aw|wg|sv|tr)\s*(?:\[#?\d+\])?\s*:\s*)+`)

type keywordClass struct {
	name    string
	pattern *regexp.Regexp
}

// subjectClasses are checked in order; the first match names the class
var subjectClasses = []keywordClass{
	{"urgent", regexp.MustCompile(`\b(urgent|asap|immediately|action required|important|critical|deadline)\b`)},
	{"meeting", regexp.MustCompile(`\b(meeting|invitation|invite|calendar|call|sync|standup|agenda|reschedul\w*)\b`)},
	{"billing", regexp.MustCompile(`\b(invoice|payment|bill|billing|receipt|statement|subscription|refund|charge)\b`)},
	{"security", regexp.MustCompile(`\b(password|security|verify|verification|login|sign.in|2fa|otp|suspicious)\b`)},
	{"shipping", regexp.MustCompile(`\b(shipped|shipping|delivery|delivered|tracking|package|order)\b`)},
	{"promotion", regexp.MustCompile(`\b(sale|discount|offer|deal|% off|coupon|promo\w*|newsletter|unsubscribe)\b`)},
	{"social", regexp.MustCompile(`\b(liked|commented|mentioned|followed|friend|connection|tagged)\b`)},
	{"acknowledgment", regexp.MustCompile(`\b(thanks|thank you|received|confirm\w*|acknowledg\w*|got it|noted)\b`)},
}

// lengthBounds are the inclusive upper edges of the content length buckets
var lengthBounds = []int{50, 200, 500, 1000, 2000}

// Generator derives signatures from email features
type Generator struct {
	senders *sender.Matcher
}

// NewGenerator creates a new signature generator
func NewGenerator(senders *sender.Matcher) *Generator {
	if senders == nil {
		senders = sender.NewMatcher(nil, nil, nil)
	}
	return &Generator{senders: senders}
}

// Generate returns the signature of an email. It never fails; unparseable
// parts fall into an "unknown" bucket.
func (g *Generator) Generate(email core.EmailFeatures) core.Signature {
	payload := strings.Join([]string{
		version,
		g.senders.Canonical(email.From),
		SubjectClass(email.Subject),
		strconv.Itoa(LengthBucket(utils.RuneLength(email.Subject, email.Snippet))),
		strconv.Itoa(Flags(email)),
	}, "|")

	sum := sha256.Sum256([]byte(payload))
	return core.Signature(hex.EncodeToString(sum[:])[:hexLength])
}

// SubjectClass returns the keyword class of a subject, or its masked template
func SubjectClass(subject string) string {
	s := utils.NormalizeText(subject)
	s = strings.TrimSpace(replyPrefix.ReplaceAllString(s, ""))
	if s == "" {
		return "empty"
	}

	for _, c := range subjectClasses {
		if c.pattern.MatchString(s) {
			return c.name
		}
	}
	return "tmpl:" + utils.MaskDigits(s)
}

// LengthBucket maps a rune count onto one of six buckets
func LengthBucket(n int) int {
	for i, bound := range lengthBounds {
		if n <= bound {
			return i
		}
	}
	return len(lengthBounds)
}

// Flags packs the boolean features into a bitmask
func Flags(email core.EmailFeatures) int {
	flags := 0
	if email.Important {
		flags |= 1
	}
	if email.Starred {
		flags |= 1 << 1
	}
	if email.Unread {
		flags |= 1 << 2
	}
	if email.HasAttachment {
		flags |= 1 << 3
	}
	return flags
}
