package sensitivedata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/reglet-dev/caphost/internal/application/ports"
	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

const redacted = "[REDACTED]"

// Redactor scrubs secrets from text that leaves the host: guest stdout and
// stderr, and error descriptions returned across the guest boundary.
// All fields are read-only after construction.
type Redactor struct {
	provider ports.SensitiveValueProvider
	detector *detect.Detector
	salt     string
	patterns []*regexp.Regexp
	hashMode bool
}

// Config holds the configuration for the Redactor.
type Config struct {
	// Salt keys the HMAC used in hash mode.
	Salt string
	// Patterns are extra regular expressions to redact.
	Patterns []string
	// HashMode replaces matches with a truncated HMAC instead of [REDACTED].
	HashMode bool
	// DisableGitleaks skips the gitleaks rule set and uses only the regex
	// patterns.
	DisableGitleaks bool
}

// New creates a Redactor with no tracked values.
func New(cfg Config) (*Redactor, error) {
	return NewWithProvider(cfg, nil)
}

// NewWithProvider creates a Redactor that also scrubs every value tracked
// by provider at the time of the call to ScrubString.
func NewWithProvider(cfg Config, provider ports.SensitiveValueProvider) (*Redactor, error) {
	r := &Redactor{
		provider: provider,
		salt:     cfg.Salt,
		hashMode: cfg.HashMode,
		patterns: make([]*regexp.Regexp, 0, len(cfg.Patterns)+len(defaultPatterns)),
	}

	if !cfg.DisableGitleaks {
		detector, err := newGitleaksDetector()
		if err != nil {
			slog.Warn("gitleaks rules unavailable, using regex patterns only", "error", err)
		} else {
			r.detector = detector
		}
	}

	for _, p := range defaultPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile default pattern %s: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile custom pattern %s: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}

	return r, nil
}

func newGitleaksDetector() (*detect.Detector, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(strings.NewReader(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read gitleaks config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gitleaks config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate gitleaks config: %w", err)
	}

	return detect.NewDetector(cfg), nil
}

// ScrubString replaces tracked secret values, gitleaks findings and
// pattern matches in input.
func (r *Redactor) ScrubString(input string) string {
	if input == "" || r == nil {
		return input
	}

	result := input

	if r.provider != nil {
		for _, secret := range r.provider.AllValues() {
			if secret != "" && strings.Contains(result, secret) {
				result = strings.ReplaceAll(result, secret, r.replacement(secret))
			}
		}
	}

	if r.detector != nil {
		for _, finding := range r.detector.Detect(detect.Fragment{Raw: result}) {
			if finding.Secret == "" {
				continue
			}
			result = strings.ReplaceAll(result, finding.Secret, r.replacement(finding.Secret))
		}
	}

	for _, re := range r.patterns {
		result = re.ReplaceAllStringFunc(result, r.replacement)
	}

	return result
}

func (r *Redactor) replacement(secret string) string {
	if r.hashMode {
		return r.hash(secret)
	}
	return redacted
}

// hash returns a truncated HMAC-SHA256 of the secret: [hmac:<16 hex>].
func (r *Redactor) hash(secret string) string {
	mac := hmac.New(sha256.New, []byte(r.salt))
	mac.Write([]byte(secret))
	return fmt.Sprintf("[hmac:%s]", hex.EncodeToString(mac.Sum(nil))[:16])
}

var defaultPatterns = []string{
	// AWS access key id
	`\b((?:AKIA|ABIA|ACCA|ASIA)[0-9A-Z]{16})\b`,
	`-----BEGIN [A-Z ]+ PRIVATE KEY-----`,
	// GitHub token
	`gh[pousr]_[A-Za-z0-9_]{36,255}`,
	// Slack token
	`xox[baprs]-([0-9a-zA-Z]{10,48})?`,
}
