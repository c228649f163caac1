package deribit

import (
	"crypto/sha256"
	"encoding/base64"
	"sort"
	"strconv"
	"strings"
)

// Sign builds the v1 private-call signature token "<key>.<nonce>.<sig>",
// where sig is base64(sha256(...)) over the nonce, credentials, action URI
// and each parameter in key order with its values concatenated.
func Sign(nonce int64, uri string, params map[string][]string, accessKey, secretKey string) string {
	n := strconv.FormatInt(nonce, 10)

	var b strings.Builder
	b.WriteString("_=")
	b.WriteString(n)
	b.WriteString("&_ackey=")
	b.WriteString(accessKey)
	b.WriteString("&_acsec=")
	b.WriteString(secretKey)
	b.WriteString("&_action=")
	b.WriteString(uri)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("&")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strings.Join(params[k], ""))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return accessKey + "." + n + "." + base64.StdEncoding.EncodeToString(sum[:])
}
