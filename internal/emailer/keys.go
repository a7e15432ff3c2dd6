package emailer

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// SubscriberKeyLength is the length of subscriber access keys. The key is
// the only thing protecting the beacon and manage-subscription URLs from
// forgery, so it must stay unguessable.
const SubscriberKeyLength = 64

// NewSubscriberKey returns a random 64-character alphanumeric key.
func NewSubscriberKey() string {
	return randomKey(SubscriberKeyLength)
}

// NewSecretKey returns a random key for list-level secrets.
func NewSecretKey() string {
	return randomKey(32)
}

func randomKey(n int) string {
	var b strings.Builder
	b.Grow(n)
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken
			panic(err)
		}
		b.WriteByte(keyAlphabet[idx.Int64()])
	}
	return b.String()
}

var (
	slugInvalid  = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugCollapse = regexp.MustCompile(`[\s-]+`)
)

// Slugify reduces a list name or headline to a URL slug: lowercase,
// alphanumerics and hyphens only, runs of whitespace collapsed.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugInvalid.ReplaceAllString(s, "")
	s = slugCollapse.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
