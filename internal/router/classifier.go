package router

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/utils"
)

const (
	DefaultShortThreshold  = 200
	DefaultMediumThreshold = 1500
)

// DefaultSimplePattern matches short acknowledgment-style messages
const DefaultSimplePattern = `(?i)\b(thanks|thank you|confirm(ed|ation)?|receipt|unsubscribe|received|acknowledg(e|ed|ement)|got it|noted)\b`

// Options configures the classifier
type Options struct {
	ShortThreshold  int
	MediumThreshold int
	SimplePatterns  []string
}

// Classifier selects the cheapest tier expected to score an email well
type Classifier struct {
	short   int
	medium  int
	simple  []*regexp.Regexp
	senders core.SenderClassifier
	logger  *zap.Logger
}

// NewClassifier creates a new tier classifier
func NewClassifier(opts Options, senders core.SenderClassifier, logger *zap.Logger) (*Classifier, error) {
	if opts.ShortThreshold <= 0 {
		opts.ShortThreshold = DefaultShortThreshold
	}
	if opts.MediumThreshold <= 0 {
		opts.MediumThreshold = DefaultMediumThreshold
	}
	if opts.MediumThreshold < opts.ShortThreshold {
		return nil, fmt.Errorf("medium threshold %d is below short threshold %d", opts.MediumThreshold, opts.ShortThreshold)
	}
	if len(opts.SimplePatterns) == 0 {
		opts.SimplePatterns = []string{DefaultSimplePattern}
	}

	simple := make([]*regexp.Regexp, 0, len(opts.SimplePatterns))
	for _, p := range opts.SimplePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid simple pattern %q: %w", p, err)
		}
		simple = append(simple, re)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Classifier{
		short:   opts.ShortThreshold,
		medium:  opts.MediumThreshold,
		simple:  simple,
		senders: senders,
		logger:  logger,
	}, nil
}

// Classify returns the tier for an email. Rules are evaluated in order and the first match wins.
func (c *Classifier) Classify(email core.EmailFeatures) core.Tier {
	length := utils.RuneLength(email.Subject, email.Snippet)

	var tier core.Tier
	switch {
	case length < c.short && c.isSimple(email):
		tier = core.TierNano
	case length < c.short || c.isAutomated(email.From):
		tier = core.TierMini
	case length < c.medium:
		tier = core.TierStandard
	default:
		tier = core.TierPremium
	}

	c.logger.Debug("Tier selected",
		zap.String("email_id", email.ID),
		zap.Int("length", length),
		zap.String("tier", string(tier)))
	return tier
}

func (c *Classifier) isSimple(email core.EmailFeatures) bool {
	for _, re := range c.simple {
		if re.MatchString(email.Subject) || re.MatchString(email.Snippet) {
			return true
		}
	}
	return false
}

func (c *Classifier) isAutomated(from string) bool {
	return c.senders != nil && c.senders.IsAutomated(from)
}
