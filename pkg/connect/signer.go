package connect

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is mandated by the OAuth1 signature method
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/fitlink/pkg/cryptox"
)

const oauthSignatureMethod = "HMAC-SHA1"

// Signer produces OAuth 1.0a HMAC-SHA1 Authorization headers. It holds no
// state beyond the consumer credential and is safe for concurrent use.
type Signer struct {
	Consumer ConsumerCredential

	// now and nonce are overridable in tests.
	now   func() time.Time
	nonce func() (string, error)
}

// NewSigner creates a Signer for the given consumer credential.
func NewSigner(consumer ConsumerCredential) *Signer {
	return &Signer{
		Consumer: consumer,
		now:      time.Now,
		nonce:    func() (string, error) { return cryptox.GenerateToken(cryptox.TokenSize128) },
	}
}

// Sign returns the headers to attach to a request. token may be nil when the
// request is signed with the consumer credential only. form holds the
// urlencoded body parameters, if any, which take part in the signature.
func (s *Signer) Sign(method, rawURL string, token *LegacyToken, form url.Values) (http.Header, error) {
	u, err := parseSignableURL(rawURL)
	if err != nil {
		return nil, err
	}

	nonce, err := s.nonce()
	if err != nil {
		return nil, err
	}
	timestamp := strconv.FormatInt(s.now().Unix(), 10)

	auth := s.authorization(method, u, token, form, nonce, timestamp)

	h := make(http.Header)
	h.Set("Authorization", auth)
	return h, nil
}

// authorization builds the header value for fixed nonce and timestamp.
func (s *Signer) authorization(
	method string,
	u *url.URL,
	token *LegacyToken,
	form url.Values,
	nonce, timestamp string,
) string {
	oauth := map[string]string{
		"oauth_consumer_key":     s.Consumer.Key,
		"oauth_nonce":            nonce,
		"oauth_signature_method": oauthSignatureMethod,
		"oauth_timestamp":        timestamp,
		"oauth_version":          "1.0",
	}
	tokenSecret := ""
	if token != nil {
		oauth["oauth_token"] = token.Token
		tokenSecret = token.TokenSecret
	}

	params := make([][2]string, 0, len(oauth)+len(form))
	for k, v := range oauth {
		params = append(params, [2]string{k, v})
	}
	for k, vs := range u.Query() {
		for _, v := range vs {
			params = append(params, [2]string{k, v})
		}
	}
	for k, vs := range form {
		for _, v := range vs {
			params = append(params, [2]string{k, v})
		}
	}

	base := signatureBase(method, u, params)
	key := percentEncode(s.Consumer.Secret) + "&" + percentEncode(tokenSecret)

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	oauth["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	keys := make([]string, 0, len(oauth))
	for k := range oauth {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+`="`+percentEncode(oauth[k])+`"`)
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// signatureBase builds METHOD&url&params as per RFC 5849 section 3.4.1.
func signatureBase(method string, u *url.URL, params [][2]string) string {
	encoded := make([][2]string, 0, len(params))
	for _, p := range params {
		encoded = append(encoded, [2]string{percentEncode(p[0]), percentEncode(p[1])})
	}
	sort.Slice(encoded, func(i, j int) bool {
		if encoded[i][0] != encoded[j][0] {
			return encoded[i][0] < encoded[j][0]
		}
		return encoded[i][1] < encoded[j][1]
	})

	pairs := make([]string, 0, len(encoded))
	for _, p := range encoded {
		pairs = append(pairs, p[0]+"="+p[1])
	}

	return strings.ToUpper(method) + "&" +
		percentEncode(normalizeURL(u)) + "&" +
		percentEncode(strings.Join(pairs, "&"))
}

// normalizeURL returns scheme://host[:port]/path with default ports dropped.
func normalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" {
		if (scheme == "http" && port != "80") || (scheme == "https" && port != "443") {
			host += ":" + port
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

func parseSignableURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ErrInvalidURL.wrap(err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, ErrInvalidURL.withDescription("url must be absolute: " + rawURL)
	}
	return u, nil
}

// percentEncode encodes s per RFC 3986, leaving only unreserved characters.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
