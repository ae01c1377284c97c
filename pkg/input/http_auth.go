package input

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// challenge is a parsed WWW-Authenticate or Proxy-Authenticate header.
type challenge struct {
	scheme string
	params map[string]string
	proxy  bool
	nc     int
}

func parseChallenge(header string) (challenge, bool) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	scheme = strings.ToLower(scheme)
	if scheme != "basic" && scheme != "digest" {
		return challenge{}, false
	}

	c := challenge{scheme: scheme, params: make(map[string]string)}
	for len(rest) > 0 {
		rest = strings.TrimLeft(rest, " ,")
		key, after, ok := strings.Cut(rest, "=")
		if !ok {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))

		var value string
		if strings.HasPrefix(after, `"`) {
			end := strings.Index(after[1:], `"`)
			if end < 0 {
				value, rest = after[1:], ""
			} else {
				value, rest = after[1:end+1], after[end+2:]
			}
		} else {
			value, rest, _ = strings.Cut(after, ",")
			value = strings.TrimSpace(value)
		}
		c.params[key] = value
	}

	return c, true
}

// authorize builds the Authorization header value answering the challenge.
func (c *challenge) authorize(method, uri, user, pass string) string {
	if c.scheme == "basic" {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}

	c.nc++
	realm, nonce := c.params["realm"], c.params["nonce"]
	ha1 := md5hex(user + ":" + realm + ":" + pass)
	ha2 := md5hex(method + ":" + uri)

	fields := []string{
		fmt.Sprintf(`username="%s"`, user),
		fmt.Sprintf(`realm="%s"`, realm),
		fmt.Sprintf(`nonce="%s"`, nonce),
		fmt.Sprintf(`uri="%s"`, uri),
	}

	if qopOffered(c.params["qop"], "auth") {
		nc := fmt.Sprintf("%08x", c.nc)
		cnonce := strings.ReplaceAll(uuid.NewString(), "-", "")
		response := md5hex(strings.Join([]string{ha1, nonce, nc, cnonce, "auth", ha2}, ":"))
		fields = append(fields,
			"qop=auth",
			"nc="+nc,
			fmt.Sprintf(`cnonce="%s"`, cnonce),
			fmt.Sprintf(`response="%s"`, response),
		)
	} else {
		fields = append(fields, fmt.Sprintf(`response="%s"`, md5hex(ha1+":"+nonce+":"+ha2)))
	}

	fields = append(fields, "algorithm=MD5")
	if opaque, ok := c.params["opaque"]; ok {
		fields = append(fields, fmt.Sprintf(`opaque="%s"`, opaque))
	}

	return "Digest " + strings.Join(fields, ", ")
}

func qopOffered(qop, want string) bool {
	for _, q := range strings.Split(qop, ",") {
		if strings.TrimSpace(q) == want {
			return true
		}
	}
	return false
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
