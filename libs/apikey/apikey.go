package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Keys look like bk_<env>_<prefix>.<secret>; only sha256(prefix.secret) is stored.
const (
	keyScheme   = "bk"
	Header      = "X-API-Key"
	ContextName = "api_key_name"
)

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrRevokedKey       = errors.New("revoked api key")
	ErrIPNotAllowed     = errors.New("ip not allowed")
	ErrInvalidWhitelist = errors.New("invalid ip whitelist")
)

// Record describes one internal caller (payments gateway, chain watcher, ...).
type Record struct {
	Name        string
	Prefix      string
	KeyHash     string
	IPWhitelist []string
	RevokedAt   *time.Time
}

func Generate(env string) (fullKey string, prefix string, hash string, err error) {
	prefix, err = generatePrefix()
	if err != nil {
		return "", "", "", err
	}
	secret, err := generateSecret()
	if err != nil {
		return "", "", "", err
	}
	fullKey = fmt.Sprintf("%s_%s_%s.%s", keyScheme, env, prefix, secret)
	hash = Hash(prefix, secret)
	return fullKey, prefix, hash, nil
}

func Parse(key string) (env string, prefix string, secret string, err error) {
	head, secret, ok := strings.Cut(key, ".")
	if !ok {
		return "", "", "", ErrInvalidKey
	}

	headParts := strings.SplitN(head, "_", 3)
	if len(headParts) != 3 || headParts[0] != keyScheme {
		return "", "", "", ErrInvalidKey
	}
	env = headParts[1]
	prefix = headParts[2]
	if env == "" || prefix == "" || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	return env, prefix, secret, nil
}

func Hash(prefix, secret string) string {
	sum := sha256.Sum256([]byte(prefix + "." + secret))
	return hex.EncodeToString(sum[:])
}

func Verify(key string, record Record, clientIP string) error {
	_, prefix, secret, err := Parse(key)
	if err != nil {
		return err
	}

	hash := Hash(prefix, secret)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(strings.ToLower(record.KeyHash))) != 1 {
		return ErrInvalidKey
	}

	if record.RevokedAt != nil {
		return ErrRevokedKey
	}

	if !IPAllowed(clientIP, record.IPWhitelist) {
		return ErrIPNotAllowed
	}

	return nil
}

// Keyring indexes records by key prefix.
type Keyring struct {
	records map[string]Record
}

func NewKeyring(records ...Record) (*Keyring, error) {
	k := &Keyring{records: make(map[string]Record, len(records))}
	for _, r := range records {
		if r.Prefix == "" || r.KeyHash == "" {
			return nil, fmt.Errorf("api key %q: prefix and hash required", r.Name)
		}
		if err := ValidateIPWhitelist(r.IPWhitelist); err != nil {
			return nil, fmt.Errorf("api key %q: %w", r.Name, err)
		}
		k.records[r.Prefix] = r
	}
	return k, nil
}

// ParseRecords reads "name:prefix:hash" entries as found in configuration.
func ParseRecords(entries []string) ([]Record, error) {
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed api key entry %q", entry)
		}
		records = append(records, Record{Name: parts[0], Prefix: parts[1], KeyHash: parts[2]})
	}
	return records, nil
}

func (k *Keyring) Authenticate(key, clientIP string) (Record, error) {
	if k == nil {
		return Record{}, ErrInvalidKey
	}
	_, prefix, _, err := Parse(key)
	if err != nil {
		return Record{}, err
	}
	record, ok := k.records[prefix]
	if !ok {
		return Record{}, ErrInvalidKey
	}
	if err := Verify(key, record, clientIP); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Middleware guards internal routes; the caller name is stored under ContextName.
func Middleware(keyring *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := keyring.Authenticate(c.GetHeader(Header), c.ClientIP())
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrIPNotAllowed) || errors.Is(err, ErrRevokedKey) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"code": "UNAUTHORIZED", "message": err.Error()})
			return
		}
		c.Set(ContextName, record.Name)
		c.Next()
	}
}

func ValidateIPWhitelist(whitelist []string) error {
	for _, entry := range whitelist {
		if strings.TrimSpace(entry) == "" {
			return ErrInvalidWhitelist
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return ErrInvalidWhitelist
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return ErrInvalidWhitelist
		}
	}
	return nil
}

func IPAllowed(clientIP string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			_, netw, err := net.ParseCIDR(entry)
			if err == nil && netw.Contains(ip) {
				return true
			}
			continue
		}
		if parsed := net.ParseIP(entry); parsed != nil && parsed.Equal(ip) {
			return true
		}
	}
	return false
}

func generatePrefix() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(buf)), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
