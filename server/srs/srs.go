// Package srs implements Sender Rewriting Scheme (SRS0) forward rewriting
// for redirected mail, so that SPF checks at the next hop pass against the
// rewriting host instead of the original sender's domain.
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const (
	hashLength = 4
	// Timestamp is days since epoch modulo 2^10, encoded in two base32 chars.
	timestampSlots = 1 << 10
	timestampChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
)

type Rewriter struct {
	domain string
	secret []byte
	now    func() time.Time
}

// New returns a rewriter producing SRS0 addresses under the given domain.
func New(domain, secret string) *Rewriter {
	return &Rewriter{
		domain: strings.ToLower(domain),
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Enabled reports whether rewriting is configured.
func (r *Rewriter) Enabled() bool {
	return r != nil && r.domain != "" && len(r.secret) > 0
}

// Forward rewrites a sender address for forwarding. Already-rewritten and
// empty (null return-path) senders pass through unchanged.
func (r *Rewriter) Forward(sender string) string {
	if !r.Enabled() || sender == "" {
		return sender
	}
	if strings.HasPrefix(strings.ToUpper(sender), "SRS0=") || strings.HasPrefix(strings.ToUpper(sender), "SRS1=") {
		return sender
	}

	local, domain, found := strings.Cut(sender, "@")
	if !found {
		return sender
	}
	domain = strings.ToLower(domain)
	if domain == r.domain {
		return sender
	}

	ts := r.timestamp()
	hash := r.hash(ts, domain, local)
	return fmt.Sprintf("SRS0=%s=%s=%s=%s@%s", hash, ts, domain, local, r.domain)
}

// Reverse recovers the original address from an SRS0 address previously
// produced by this rewriter. The hash must verify and the timestamp must be
// within maxAge.
func (r *Rewriter) Reverse(address string, maxAge time.Duration) (string, error) {
	if !r.Enabled() {
		return "", fmt.Errorf("srs rewriting is not configured")
	}

	local, domain, found := strings.Cut(address, "@")
	if !found || strings.ToLower(domain) != r.domain {
		return "", fmt.Errorf("not an address of this rewriter: %s", address)
	}

	parts := strings.SplitN(local, "=", 5)
	if len(parts) != 5 || !strings.EqualFold(parts[0], "SRS0") {
		return "", fmt.Errorf("malformed SRS0 address: %s", address)
	}
	hash, ts, origDomain, origLocal := parts[1], parts[2], parts[3], parts[4]

	if !hmac.Equal([]byte(hash), []byte(r.hash(ts, origDomain, origLocal))) {
		return "", fmt.Errorf("SRS hash verification failed for %s", address)
	}
	if err := r.checkTimestamp(ts, maxAge); err != nil {
		return "", err
	}

	return origLocal + "@" + origDomain, nil
}

func (r *Rewriter) timestamp() string {
	days := int(r.now().Unix()/86400) % timestampSlots
	return string([]byte{timestampChars[(days>>5)&0x1f], timestampChars[days&0x1f]})
}

func (r *Rewriter) checkTimestamp(ts string, maxAge time.Duration) error {
	if len(ts) != 2 {
		return fmt.Errorf("malformed SRS timestamp: %s", ts)
	}
	hi := strings.IndexByte(timestampChars, ts[0])
	lo := strings.IndexByte(timestampChars, ts[1])
	if hi < 0 || lo < 0 {
		return fmt.Errorf("malformed SRS timestamp: %s", ts)
	}
	then := hi<<5 | lo
	today := int(r.now().Unix()/86400) % timestampSlots
	age := (today - then + timestampSlots) % timestampSlots
	if age > int(maxAge/(24*time.Hour)) {
		return fmt.Errorf("SRS timestamp expired")
	}
	return nil
}

func (r *Rewriter) hash(ts, domain, local string) string {
	mac := hmac.New(sha1.New, r.secret)
	fmt.Fprintf(mac, "%s%s%s", ts, strings.ToLower(domain), local)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))[:hashLength]
}
