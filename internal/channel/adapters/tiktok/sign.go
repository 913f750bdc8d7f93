package tiktok

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// signRequest computes the request signature the shop API expects: the
// concatenation of path and the sorted query pairs, wrapped in the app
// secret, HMAC-SHA256, hex encoded.
func signRequest(appSecret, path string, query url.Values, body []byte) string {
	keys := make([]string, 0, len(query))
	for key := range query {
		if key == "sign" || key == "access_token" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(appSecret)
	b.WriteString(path)
	for _, key := range keys {
		b.WriteString(key)
		b.WriteString(query.Get(key))
	}
	b.Write(body)
	b.WriteString(appSecret)

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}
