package ptz

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// digestChallenge holds the fields of a WWW-Authenticate: Digest header.
type digestChallenge struct {
	realm  string
	nonce  string
	qop    string
	opaque string
}

// parseDigestChallenge extracts realm, nonce, qop and opaque from a 401 reply.
func parseDigestChallenge(header string) (digestChallenge, error) {
	var c digestChallenge
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), "digest ") {
		return c, fmt.Errorf("not a digest challenge: %q", header)
	}

	for _, part := range strings.Split(header[len("Digest "):], ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(key) {
		case "realm":
			c.realm = value
		case "nonce":
			c.nonce = value
		case "qop":
			c.qop = value
		case "opaque":
			c.opaque = value
		}
	}

	if c.realm == "" || c.nonce == "" {
		return c, fmt.Errorf("invalid WWW-Authenticate header: %s", header)
	}
	return c, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// authorization builds the Authorization header for one request (nc=00000001).
func (c digestChallenge) authorization(user, pass, method, uri string) string {
	cnonce := md5Hex(time.Now().String())[:16]

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", user, c.realm, pass))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))

	var response string
	if c.qop == "" {
		response = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, c.nonce, ha2))
	} else {
		response = md5Hex(fmt.Sprintf("%s:%s:00000001:%s:auth:%s", ha1, c.nonce, cnonce, ha2))
	}

	h := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		user, c.realm, c.nonce, uri, response)
	if c.qop != "" {
		h += fmt.Sprintf(`, cnonce="%s", nc=00000001, qop=auth`, cnonce)
	}
	if c.opaque != "" {
		h += fmt.Sprintf(`, opaque="%s"`, c.opaque)
	}
	return h
}
