package smtpcheck

// Status is the terminal outcome of one verification.
type Status string

const (
	StatusVerified             Status = "verified"
	StatusRejected             Status = "smtp_rejected"
	StatusInvalidFormat        Status = "invalid_format"
	StatusDisposable           Status = "disposable_domain"
	StatusDNSFailure           Status = "dns_failure"
	StatusNoARecords           Status = "no_a_records"
	StatusSkippedKnownProvider Status = "skipped_known_provider"
	StatusConnectError         Status = "connect_error"
	StatusTLSError             Status = "tls_error"
	StatusEarlyDisconnect      Status = "early_disconnect"
	StatusTimeout              Status = "timeout"
	StatusTimeoutOrDisconnect  Status = "timeout_or_disconnect"
	StatusUnexpectedResponse   Status = "unexpected_response"
	// StatusRateLimited means the probe never dialled because the connection
	// budget could not be granted before the caller's context ended.
	StatusRateLimited Status = "rate_limited"
)

// Probed reports whether the status came out of a live SMTP dialogue, as
// opposed to a local or DNS-level short circuit.
func (s Status) Probed() bool {
	switch s {
	case StatusVerified, StatusRejected, StatusConnectError, StatusTLSError,
		StatusEarlyDisconnect, StatusTimeout, StatusTimeoutOrDisconnect, StatusUnexpectedResponse:
		return true
	}
	return false
}

// Transient reports whether the outcome says nothing about the mailbox and
// must not be cached or recorded.
func (s Status) Transient() bool {
	return s == StatusRateLimited
}

// Result is the structured verdict for one address.
type Result struct {
	Email    string `json:"email"`
	Status   Status `json:"status"`
	Verified bool   `json:"verified"`
	// Code and Message hold the last SMTP reply seen, if any.
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	MXHost  string `json:"mx_host,omitempty"`
}
