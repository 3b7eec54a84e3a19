package billing

// Config holds the HTTP surface settings.
type Config struct {
	// UserHeader is read by the default resolver. It must only be trusted
	// behind an authenticating proxy.
	UserHeader   string `env:"BILLING_USER_HEADER" envDefault:"X-User-ID"`
	MaxBodyBytes int64  `env:"BILLING_MAX_BODY_BYTES" envDefault:"1048576"`
	MetricsPath  string `env:"BILLING_METRICS_PATH" envDefault:"/metrics"`
}
