// Package smtpcheck tests whether a mailbox exists by speaking SMTP to the
// domain's mail exchanger up to RCPT TO. No message is ever sent.
package smtpcheck

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const (
	defaultPort    = 25
	defaultTimeout = 10 * time.Second
	defaultHelo    = "localhost"
)

// DNS is the subset of *net.Resolver the verifier needs.
type DNS interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DialFunc opens the TCP connection to an exchange host.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Verifier. Zero values get defaults.
type Options struct {
	HeloDomain string
	MailFrom   string
	Port       int
	// Timeout bounds the whole dialogue from dial to terminal state.
	Timeout time.Duration
	// RateLimit caps new connections per second across the process; 0 disables it.
	RateLimit float64
	// SkipList overrides DefaultSkipList when non-nil.
	SkipList   []string
	Disposable []string

	DNS       DNS
	Dial      DialFunc
	TLSConfig func(serverName string) *tls.Config
}

// Verifier runs SMTP probes. It is safe for concurrent use.
type Verifier struct {
	helo       string
	mailFrom   string
	port       int
	timeout    time.Duration
	skip       hostMatcher
	disposable map[string]bool
	limiter    *rate.Limiter
	dns        DNS
	dial       DialFunc
	tlsConfig  func(string) *tls.Config
	logger     *slog.Logger
}

// New creates a Verifier.
func New(opts Options) *Verifier {
	v := &Verifier{
		helo:       opts.HeloDomain,
		mailFrom:   opts.MailFrom,
		port:       opts.Port,
		timeout:    opts.Timeout,
		disposable: make(map[string]bool, len(opts.Disposable)),
		dns:        opts.DNS,
		dial:       opts.Dial,
		tlsConfig:  opts.TLSConfig,
		logger:     slog.Default(),
	}
	if v.helo == "" {
		v.helo = defaultHelo
	}
	if v.mailFrom == "" {
		v.mailFrom = "verify@" + v.helo
	}
	if v.port <= 0 {
		v.port = defaultPort
	}
	if v.timeout <= 0 {
		v.timeout = defaultTimeout
	}
	skip := opts.SkipList
	if skip == nil {
		skip = DefaultSkipList
	}
	v.skip = newHostMatcher(skip)
	for _, d := range opts.Disposable {
		if d = normalizeHost(d); d != "" {
			v.disposable[d] = true
		}
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		v.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if v.dns == nil {
		v.dns = net.DefaultResolver
	}
	if v.dial == nil {
		d := &net.Dialer{}
		v.dial = d.DialContext
	}
	if v.tlsConfig == nil {
		v.tlsConfig = func(serverName string) *tls.Config {
			return &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
		}
	}
	return v
}

// Verify runs the full check for one address. It never returns an error;
// every failure mode is a Status.
func (v *Verifier) Verify(ctx context.Context, email string) Result {
	email = strings.TrimSpace(email)
	res := Result{Email: email}

	if !emailRe.MatchString(email) {
		res.Status = StatusInvalidFormat
		return res
	}
	domain := strings.ToLower(email[strings.LastIndexByte(email, '@')+1:])

	if v.disposable[domain] {
		res.Status = StatusDisposable
		return res
	}

	host, status := v.exchangeHost(ctx, domain)
	if status != "" {
		res.Status = status
		return res
	}
	res.MXHost = host

	if v.skip.match(host) {
		res.Status = StatusSkippedKnownProvider
		return res
	}

	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			res.Status = StatusRateLimited
			return res
		}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	s := &session{
		verifier: v,
		host:     host,
		rcpt:     email,
		state:    stateMXResolved,
	}
	s.run(ctx)

	res.Status = s.status
	res.Verified = s.status == StatusVerified
	res.Code = s.code
	res.Message = s.message
	v.logger.Debug("smtp probe", "email", email, "mx", host, "status", res.Status, "code", res.Code)
	return res
}

// exchangeHost picks the most preferred MX host, falling back to the domain
// itself when it has A records but no MX. A non-empty Status means stop.
func (v *Verifier) exchangeHost(ctx context.Context, domain string) (string, Status) {
	mxs, mxErr := v.dns.LookupMX(ctx, domain)
	if mxErr == nil && isNullMX(mxs) {
		return "", StatusNoARecords
	}
	if mxErr == nil && len(mxs) > 0 {
		sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
		for _, mx := range mxs {
			if h := normalizeHost(mx.Host); h != "" {
				return h, ""
			}
		}
	}

	addrs, aErr := v.dns.LookupHost(ctx, domain)
	switch {
	case aErr == nil && len(addrs) > 0:
		return domain, ""
	case aErr != nil && mxErr != nil:
		return "", StatusDNSFailure
	default:
		return "", StatusNoARecords
	}
}

// isNullMX reports a domain that declares it accepts no mail (RFC 7505).
func isNullMX(mxs []*net.MX) bool {
	if len(mxs) == 0 {
		return false
	}
	for _, mx := range mxs {
		if normalizeHost(mx.Host) != "" {
			return false
		}
	}
	return true
}

func (v *Verifier) addr(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(v.port))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
