package maskproxy

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extractor pulls a credential out of an upstream landing page.
type Extractor interface {
	Extract(doc, path string) (Extraction, error)
}

// Extraction is what a landing page revealed. Either Credential carries a
// token, or MediaURL points straight at the media.
type Extraction struct {
	Credential Credential
	MediaURL   string
}

// PatternExtractor scans the raw document text. The upstream markup has no
// schema, so every rule is a heuristic and a miss is the common case.
type PatternExtractor struct {
	DefaultHost string
	DefaultUC   string
	DefaultPC   string
}

const ipv4Octet = `(?:25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9])`

var (
	tokenRe      = regexp.MustCompile(`token=([A-Za-z0-9_.\-]+)`)
	deliverURLRe = regexp.MustCompile(`http://(` + ipv4Octet + `(?:\.` + ipv4Octet + `){3}(?::[0-9]{1,5})?)/deliver/`)
	ipv4Re       = regexp.MustCompile(`[0-9]{1,3}(?:\.[0-9]{1,3}){3}`)
	ucRe         = regexp.MustCompile(`(?:^|[^A-Za-z0-9_])uc=([A-Za-z0-9_.\-+/%=]+)`)
	pcRe         = regexp.MustCompile(`(?:^|[^A-Za-z0-9_])pc=([A-Za-z0-9_.\-+/%=]+)`)
	videoLitRe   = regexp.MustCompile(`video["':\s]+[^"']*?(https?://[^"'\s<>]+)`)
)

func (e PatternExtractor) Extract(doc, path string) (Extraction, error) {
	m := tokenRe.FindStringSubmatch(doc)
	if m == nil {
		if u := findMediaURL(doc); u != "" {
			return Extraction{MediaURL: u}, nil
		}
		return Extraction{}, ErrNoToken
	}

	host := findDeliverHost(doc)
	if host == "" {
		host = e.DefaultHost
	}
	if host == "" {
		return Extraction{}, ErrNoHost
	}

	uc := firstGroup(ucRe, doc)
	if uc == "" {
		uc = e.DefaultUC
	}
	pc := firstGroup(pcRe, doc)
	if pc == "" {
		pc = e.DefaultPC
	}

	c := Credential{Host: host, Token: m[1]}
	if uc != "" {
		c.Aux = append(c.Aux, AuxParam{Name: "uc", Value: uc})
	}
	if pc != "" {
		c.Aux = append(c.Aux, AuxParam{Name: "pc", Value: pc})
	}
	return Extraction{Credential: c}, nil
}

func firstGroup(re *regexp.Regexp, doc string) string {
	m := re.FindStringSubmatch(doc)
	if m == nil {
		return ""
	}
	return m[1]
}

// findDeliverHost prefers an explicit deliver URL, then falls back to the
// last IPv4 address in the document.
func findDeliverHost(doc string) string {
	if m := deliverURLRe.FindStringSubmatch(doc); m != nil {
		return m[1]
	}
	locs := ipv4Re.FindAllStringIndex(doc, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		start, end := locs[i][0], locs[i][1]
		if continuesRun(doc, start-1, -1) || continuesRun(doc, end, 1) {
			continue
		}
		if ip := doc[start:end]; validIPv4(ip) {
			return ip
		}
	}
	return ""
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// continuesRun reports whether the byte at i, looking away from the match in
// direction dir, extends the dotted number, as in 1.2.3.4.5. A lone trailing
// period ends a sentence and does not count.
func continuesRun(doc string, i, dir int) bool {
	if i < 0 || i >= len(doc) {
		return false
	}
	if isDigit(doc[i]) {
		return true
	}
	next := i + dir
	return doc[i] == '.' && next >= 0 && next < len(doc) && isDigit(doc[next])
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) > 1 && p[0] == '0' {
			return false
		}
		n := 0
		for i := 0; i < len(p); i++ {
			n = n*10 + int(p[i]-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// findMediaURL looks for <video src> / <source src> first, then for a
// "video": "http..." literal in inline scripts.
func findMediaURL(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		a := atom.Lookup(name)
		if (a != atom.Video && a != atom.Source) || !hasAttr {
			continue
		}
		for {
			key, val, more := z.TagAttr()
			if string(key) == "src" {
				v := strings.TrimSpace(string(val))
				if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
					return v
				}
			}
			if !more {
				break
			}
		}
	}
	return firstGroup(videoLitRe, doc)
}

// deliverURL builds http://<host>/deliver/<file>?token=..&uc=..&pc=..
// Scraped values are inserted verbatim; they come from URLs already.
func deliverURL(c Credential, filename string) string {
	var b strings.Builder
	b.WriteString("http://")
	b.WriteString(c.Host)
	b.WriteString("/deliver/")
	b.WriteString(filename)
	if c.Token == "" {
		return b.String()
	}
	b.WriteString("?token=")
	b.WriteString(c.Token)
	for _, kv := range c.Aux {
		b.WriteByte('&')
		b.WriteString(kv.Name)
		b.WriteByte('=')
		b.WriteString(kv.Value)
	}
	return b.String()
}
