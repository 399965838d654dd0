package smtpcheck

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultSkipList holds exchange hosts that accept every recipient or block
// RCPT probing. Entries starting with "*." match any subdomain.
var DefaultSkipList = []string{
	"*.google.com",
	"*.googlemail.com",
	"*.protection.outlook.com",
	"*.outlook.com",
	"*.hotmail.com",
	"*.yahoodns.net",
	"*.icloud.com",
	"*.me.com",
	"*.zoho.com",
	"*.zoho.eu",
	"*.protonmail.ch",
	"*.mimecast.com",
	"*.pphosted.com",
	"*.messagelabs.com",
	"*.barracudanetworks.com",
	"*.secureserver.net",
	"aspmx.l.google.com",
}

// hostMatcher matches hosts against exact names and "*." suffix patterns.
type hostMatcher struct {
	exact    map[string]bool
	suffixes []string
}

func newHostMatcher(patterns []string) hostMatcher {
	m := hostMatcher{exact: make(map[string]bool)}
	for _, p := range patterns {
		p = normalizeHost(p)
		if p == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(p, "*."); ok {
			m.suffixes = append(m.suffixes, "."+rest)
			continue
		}
		m.exact[p] = true
	}
	return m
}

func (m hostMatcher) match(host string) bool {
	host = normalizeHost(host)
	if m.exact[host] {
		return true
	}
	for _, s := range m.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// LoadDomainList reads one domain per line. Blank lines and lines starting
// with '#' are ignored.
func LoadDomainList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening domain list: %w", err)
	}
	defer f.Close()
	return readDomainList(f)
}

func readDomainList(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := normalizeHost(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading domain list: %w", err)
	}
	return out, nil
}
