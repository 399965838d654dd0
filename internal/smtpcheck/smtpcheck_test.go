package smtpcheck

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const mxHost = "mx.acme.test"

type fakeDNS struct {
	mx    map[string][]*net.MX
	hosts map[string][]string
	mxErr error
	aErr  error
}

func (f *fakeDNS) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	if f.mxErr != nil {
		return nil, f.mxErr
	}
	return f.mx[name], nil
}

func (f *fakeDNS) LookupHost(_ context.Context, host string) ([]string, error) {
	if f.aErr != nil {
		return nil, f.aErr
	}
	return f.hosts[host], nil
}

func acmeDNS() *fakeDNS {
	return &fakeDNS{mx: map[string][]*net.MX{
		"acme.test": {{Host: "backup.acme.test.", Pref: 20}, {Host: mxHost + ".", Pref: 10}},
	}}
}

func selfSignedCert(t *testing.T, host string) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

// fakeMX is a scripted SMTP server on a loopback listener.
type fakeMX struct {
	ln       net.Listener
	cert     tls.Certificate
	pool     *x509.CertPool
	wg       sync.WaitGroup
	accepted atomic.Int32

	greeting  string // empty means close before greeting
	rcptReply string
	mailReply string
	hang      bool // never greet

	mu       sync.Mutex
	commands []string
	tlsSeen  bool
}

func newFakeMX(t *testing.T) *fakeMX {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cert, pool := selfSignedCert(t, mxHost)
	f := &fakeMX{
		ln:        ln,
		cert:      cert,
		pool:      pool,
		greeting:  "220 " + mxHost + " ESMTP",
		rcptReply: "250 2.1.5 OK",
		mailReply: "250 2.1.0 OK",
	}
	t.Cleanup(func() {
		ln.Close()
		f.wg.Wait()
	})
	return f
}

func (f *fakeMX) start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			conn, err := f.ln.Accept()
			if err != nil {
				return
			}
			f.accepted.Add(1)
			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				f.serve(conn)
			}()
		}
	}()
}

// wait stops accepting and blocks until every session has ended.
func (f *fakeMX) wait() {
	f.ln.Close()
	f.wg.Wait()
}

func (f *fakeMX) record(cmd string) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
}

func (f *fakeMX) serve(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if f.hang {
		buf := make([]byte, 1)
		conn.Read(buf)
		return
	}
	if f.greeting == "" {
		return
	}
	tp := textproto.NewConn(conn)
	tp.PrintfLine("%s", f.greeting)
	if !strings.HasPrefix(f.greeting, "220") {
		return
	}
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		f.record(line)
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch {
		case verb == "EHLO":
			tp.PrintfLine("250-%s", mxHost)
			tp.PrintfLine("250 STARTTLS")
		case verb == "STARTTLS":
			tp.PrintfLine("220 2.0.0 Ready to start TLS")
			tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{f.cert}})
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			f.mu.Lock()
			f.tlsSeen = true
			f.mu.Unlock()
			conn = tlsConn
			tp = textproto.NewConn(tlsConn)
		case strings.HasPrefix(strings.ToUpper(line), "MAIL FROM:"):
			tp.PrintfLine("%s", f.mailReply)
		case strings.HasPrefix(strings.ToUpper(line), "RCPT TO:"):
			tp.PrintfLine("%s", f.rcptReply)
		case verb == "QUIT":
			tp.PrintfLine("221 Bye")
			return
		default:
			tp.PrintfLine("502 unrecognized")
		}
	}
}

func (f *fakeMX) verifier(dns DNS, timeout time.Duration) *Verifier {
	return New(Options{
		HeloDomain: "probe.test",
		MailFrom:   "verify@probe.test",
		Timeout:    timeout,
		DNS:        dns,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, f.ln.Addr().String())
		},
		TLSConfig: func(serverName string) *tls.Config {
			return &tls.Config{ServerName: serverName, RootCAs: f.pool}
		},
	})
}

func TestVerify_AcceptedOverSTARTTLS(t *testing.T) {
	mx := newFakeMX(t)
	mx.start()

	res := mx.verifier(acmeDNS(), 5*time.Second).Verify(context.Background(), "john.smith@acme.test")
	if res.Status != StatusVerified || !res.Verified {
		t.Fatalf("result = %+v", res)
	}
	if res.MXHost != mxHost {
		t.Errorf("MXHost = %q, want lowest-preference %q", res.MXHost, mxHost)
	}

	mx.wait()
	mx.mu.Lock()
	defer mx.mu.Unlock()
	if !mx.tlsSeen {
		t.Error("dialogue did not upgrade to TLS")
	}
	want := []string{"EHLO probe.test", "STARTTLS", "EHLO probe.test", "MAIL FROM:<verify@probe.test>", "RCPT TO:<john.smith@acme.test>", "QUIT"}
	if strings.Join(mx.commands, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q, want %q", mx.commands, want)
	}
	for _, c := range mx.commands {
		if strings.HasPrefix(c, "DATA") {
			t.Error("DATA must never be sent")
		}
	}
}

func TestVerify_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		rcptReply string
		mailReply string
		want      Status
		wantCode  int
	}{
		{"mailbox unknown", "550 5.1.1 User unknown", "", StatusRejected, 550},
		{"policy reject at MAIL FROM", "", "553 sender rejected", StatusRejected, 553},
		{"greylisted", "451 4.7.1 try later", "", StatusUnexpectedResponse, 451},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mx := newFakeMX(t)
			if tt.rcptReply != "" {
				mx.rcptReply = tt.rcptReply
			}
			if tt.mailReply != "" {
				mx.mailReply = tt.mailReply
			}
			mx.start()

			res := mx.verifier(acmeDNS(), 5*time.Second).Verify(context.Background(), "nobody@acme.test")
			if res.Status != tt.want || res.Verified {
				t.Errorf("result = %+v, want %s", res, tt.want)
			}
			if res.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", res.Code, tt.wantCode)
			}
		})
	}
}

func TestVerify_EarlyDisconnect(t *testing.T) {
	mx := newFakeMX(t)
	mx.greeting = ""
	mx.start()

	res := mx.verifier(acmeDNS(), 5*time.Second).Verify(context.Background(), "a@acme.test")
	if res.Status != StatusEarlyDisconnect {
		t.Fatalf("status = %s, want %s", res.Status, StatusEarlyDisconnect)
	}
}

func TestVerify_RejectedGreeting(t *testing.T) {
	mx := newFakeMX(t)
	mx.greeting = "554 no service"
	mx.start()

	res := mx.verifier(acmeDNS(), 5*time.Second).Verify(context.Background(), "a@acme.test")
	if res.Status != StatusRejected {
		t.Fatalf("status = %s, want %s", res.Status, StatusRejected)
	}
}

func TestVerify_Timeout(t *testing.T) {
	mx := newFakeMX(t)
	mx.hang = true
	mx.start()

	start := time.Now()
	res := mx.verifier(acmeDNS(), 200*time.Millisecond).Verify(context.Background(), "a@acme.test")
	if res.Status != StatusTimeout {
		t.Fatalf("status = %s, want %s", res.Status, StatusTimeout)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestVerify_TLSError(t *testing.T) {
	mx := newFakeMX(t)
	mx.start()
	v := mx.verifier(acmeDNS(), 5*time.Second)
	// Trust nothing so the handshake fails verification.
	v.tlsConfig = func(serverName string) *tls.Config {
		return &tls.Config{ServerName: serverName, RootCAs: x509.NewCertPool()}
	}

	res := v.Verify(context.Background(), "a@acme.test")
	if res.Status != StatusTLSError {
		t.Fatalf("status = %s, want %s", res.Status, StatusTLSError)
	}
}

func TestVerify_ConnectError(t *testing.T) {
	v := New(Options{
		DNS: acmeDNS(),
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	})
	if res := v.Verify(context.Background(), "a@acme.test"); res.Status != StatusConnectError {
		t.Fatalf("status = %s", res.Status)
	}
}

func noDial(t *testing.T) DialFunc {
	return func(context.Context, string, string) (net.Conn, error) {
		t.Error("unexpected dial")
		return nil, errors.New("unexpected dial")
	}
}

func TestVerify_ShortCircuits(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", IsNotFound: true}
	tests := []struct {
		name       string
		email      string
		dns        *fakeDNS
		disposable []string
		want       Status
	}{
		{"bad syntax", "not-an-email", acmeDNS(), nil, StatusInvalidFormat},
		{"missing tld", "a@acme", acmeDNS(), nil, StatusInvalidFormat},
		{"disposable", "a@Mailinator.com", acmeDNS(), []string{"mailinator.com"}, StatusDisposable},
		{"no mx no a", "a@ghost.test", &fakeDNS{mxErr: dnsErr, aErr: dnsErr}, nil, StatusDNSFailure},
		{"empty mx empty a", "a@ghost.test", &fakeDNS{}, nil, StatusNoARecords},
		{"gmail mx", "a@corp.test", &fakeDNS{mx: map[string][]*net.MX{
			"corp.test": {{Host: "aspmx.l.google.com.", Pref: 1}},
		}}, nil, StatusSkippedKnownProvider},
		{"o365 mx", "a@corp.test", &fakeDNS{mx: map[string][]*net.MX{
			"corp.test": {{Host: "corp-test.mail.protection.outlook.com.", Pref: 0}},
		}}, nil, StatusSkippedKnownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(Options{DNS: tt.dns, Disposable: tt.disposable, Dial: noDial(t)})
			res := v.Verify(context.Background(), tt.email)
			if res.Status != tt.want || res.Verified {
				t.Errorf("result = %+v, want %s", res, tt.want)
			}
		})
	}
}

func TestVerify_ARecordFallback(t *testing.T) {
	mx := newFakeMX(t)
	mx.start()
	dns := &fakeDNS{hosts: map[string][]string{mxHost: {"127.0.0.1"}}}

	res := mx.verifier(dns, 5*time.Second).Verify(context.Background(), "a@"+mxHost)
	if res.Status != StatusVerified || res.MXHost != mxHost {
		t.Fatalf("result = %+v", res)
	}
}

func TestHostMatcher(t *testing.T) {
	m := newHostMatcher([]string{"*.google.com", "mx.exact.test", "  "})
	tests := map[string]bool{
		"aspmx.l.google.com.":     true,
		"ALT1.ASPMX.L.Google.com": true,
		"google.com":              false,
		"notgoogle.com":           false,
		"mx.exact.test":           true,
		"a.mx.exact.test":         false,
	}
	for host, want := range tests {
		if got := m.match(host); got != want {
			t.Errorf("match(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestReadDomainList(t *testing.T) {
	in := "# disposable\nMailinator.com\n\n  guerrillamail.com \n"
	got, err := readDomainList(bufio.NewReader(strings.NewReader(in)))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "mailinator.com,guerrillamail.com" {
		t.Errorf("got %v", got)
	}
}

func TestStatusProbed(t *testing.T) {
	if !StatusRejected.Probed() || !StatusTimeout.Probed() {
		t.Error("live outcomes must report Probed")
	}
	if StatusDNSFailure.Probed() || StatusSkippedKnownProvider.Probed() || StatusInvalidFormat.Probed() {
		t.Error("short circuits must not report Probed")
	}
}

func TestVerify_RateLimited(t *testing.T) {
	var dials atomic.Int32
	v := New(Options{
		DNS:       acmeDNS(),
		Timeout:   time.Second,
		RateLimit: 0.001,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("refused")
		},
	})
	if res := v.Verify(context.Background(), "a@acme.test"); res.Status != StatusConnectError {
		t.Fatalf("first status = %s", res.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := v.Verify(ctx, "b@acme.test")
	if res.Status != StatusRateLimited {
		t.Fatalf("second status = %s, want %s", res.Status, StatusRateLimited)
	}
	if res.Status.Probed() || !res.Status.Transient() {
		t.Errorf("%s must be transient and unprobed", res.Status)
	}
	if dials.Load() != 1 {
		t.Errorf("dials = %d, want 1", dials.Load())
	}
}

func TestVerify_RateLimitWaitNotChargedToDialogue(t *testing.T) {
	var dials atomic.Int32
	v := New(Options{
		DNS:       acmeDNS(),
		Timeout:   50 * time.Millisecond,
		RateLimit: 10,
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("refused")
		},
	})
	// Drain the burst so the next call has to wait about 100ms, longer
	// than the dialogue timeout.
	for i := 0; i < 10; i++ {
		v.Verify(context.Background(), "a@acme.test")
	}
	res := v.Verify(context.Background(), "b@acme.test")
	if res.Status != StatusConnectError {
		t.Fatalf("status = %s, want %s", res.Status, StatusConnectError)
	}
	if dials.Load() != 11 {
		t.Errorf("dials = %d, want 11", dials.Load())
	}
}

func TestVerify_NullMX(t *testing.T) {
	var dials atomic.Int32
	v := New(Options{
		DNS: &fakeDNS{
			mx:    map[string][]*net.MX{"nomail.test": {{Host: ".", Pref: 0}}},
			hosts: map[string][]string{"nomail.test": {"192.0.2.1"}},
		},
		Dial: func(context.Context, string, string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("refused")
		},
	})
	res := v.Verify(context.Background(), "a@nomail.test")
	if res.Status != StatusNoARecords {
		t.Fatalf("status = %s, want %s", res.Status, StatusNoARecords)
	}
	if dials.Load() != 0 {
		t.Errorf("dialled a null MX domain")
	}
}
