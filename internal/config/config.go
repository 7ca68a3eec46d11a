package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Application roles.
const (
	RoleControlPanel = "control_panel"
	RoleTenant       = "tenant"
)

// Payment gateways.
const (
	GatewayPaystack = "paystack"
	GatewayStripe   = "stripe"
	GatewayLog      = "log"
)

// Config holds all process-wide configuration for either role.
type Config struct {
	AppRole     string `env:"ROKCT_APP_ROLE" envDefault:"control_panel"`
	DataDir     string `env:"ROKCT_DATA_DIR" envDefault:"/data"`
	BindAddress string `env:"ROKCT_BIND_ADDRESS" envDefault:"0.0.0.0"`
	Port        int    `env:"ROKCT_PORT" envDefault:"8000"`
	LogLevel    string `env:"ROKCT_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"ROKCT_LOG_FORMAT" envDefault:"auto"`

	// SiteName is this tenant site's host name. Tenant role only.
	SiteName string `env:"ROKCT_SITE_NAME"`
	// TrustedProxies lists CIDRs whose forwarding headers are honoured.
	TrustedProxies []string `env:"ROKCT_TRUSTED_PROXIES" envSeparator:","`

	// Site management
	TenantDomain     string        `env:"ROKCT_TENANT_DOMAIN"`
	TenantSiteScheme string        `env:"ROKCT_TENANT_SITE_SCHEME" envDefault:"https"`
	BenchPath        string        `env:"ROKCT_BENCH_PATH" envDefault:"/home/frappe/frappe-bench"`
	BenchCommand     string        `env:"ROKCT_BENCH_COMMAND" envDefault:"bench"`
	DBRootPassword   string        `env:"ROKCT_DB_ROOT_PASSWORD"`
	AdminPassword    string        `env:"ROKCT_ADMIN_PASSWORD"`
	CommonApps       []string      `env:"ROKCT_COMMON_APPS" envSeparator:"," envDefault:"erpnext,payments"`
	PrimaryApp       string        `env:"ROKCT_PRIMARY_APP" envDefault:"rokct"`
	MinFreeDiskMB    uint64        `env:"ROKCT_MIN_FREE_DISK_MB" envDefault:"2048"`
	SetupRetryDelay  time.Duration `env:"ROKCT_SETUP_RETRY_DELAY" envDefault:"30s"`
	SyncProvisioning bool          `env:"ROKCT_SYNC_PROVISIONING" envDefault:"false"`

	// Control plane <-> tenant
	ControlPlaneURL string `env:"ROKCT_CONTROL_PLANE_URL"`
	APISecret       string `env:"ROKCT_API_SECRET"`

	// Billing
	PaymentGateway    string   `env:"ROKCT_PAYMENT_GATEWAY" envDefault:"paystack"`
	PaystackSecretKey string   `env:"PAYSTACK_SECRET_KEY"`
	PaystackBaseURL   string   `env:"PAYSTACK_BASE_URL" envDefault:"https://api.paystack.co"`
	StripeAPIKey      string   `env:"STRIPE_API_KEY"`
	EnabledCurrencies []string `env:"ROKCT_ENABLED_CURRENCIES" envSeparator:"," envDefault:"USD,ZAR,NGN,GHS,KES"`
	FreePlanID        string   `env:"ROKCT_FREE_PLAN" envDefault:"Free-Monthly"`

	// Redirects
	MarketingURL     string `env:"ROKCT_MARKETING_URL"`
	LoginRedirectURL string `env:"ROKCT_LOGIN_REDIRECT_URL"`

	// Admin access
	AdminKey      string `env:"ROKCT_ADMIN_KEY"`
	JWTSigningKey string `env:"ROKCT_JWT_SIGNING_KEY"`
	EncryptionKey string `env:"ROKCT_ENCRYPTION_KEY"`

	// Email
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailFrom            string `env:"ROKCT_EMAIL_FROM" envDefault:"noreply@rokct.ai"`
	AdminEmail           string `env:"ROKCT_ADMIN_EMAIL"`
	SupportEmailDomain   string `env:"ROKCT_SUPPORT_EMAIL_DOMAIN" envDefault:"rokct.ai"`

	// Scheduling and workers
	RedisURL           string `env:"REDIS_URL"`
	ReconcileSchedule  string `env:"ROKCT_RECONCILE_SCHEDULE" envDefault:"0 2 * * *"`
	TenantJobsSchedule string `env:"ROKCT_TENANT_JOBS_SCHEDULE" envDefault:"30 1 * * *"`
	Workers            int    `env:"ROKCT_WORKERS" envDefault:"4"`

	// Public signup throttling, per client IP.
	SignupRatePerMinute int `env:"ROKCT_SIGNUP_RATE_PER_MINUTE" envDefault:"5"`
	SignupBurst         int `env:"ROKCT_SIGNUP_BURST" envDefault:"3"`
}

// StoreDir returns the directory holding the SQLite store.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// LockDir returns the directory holding per-site job lock files.
func (c *Config) LockDir() string {
	return filepath.Join(c.BenchPath, "locks")
}

// IsControlPanel reports whether the process runs the control-plane half.
func (c *Config) IsControlPanel() bool {
	return c.AppRole == RoleControlPanel
}

// CurrencyEnabled reports whether code is one of the enabled currencies.
func (c *Config) CurrencyEnabled(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, cur := range c.EnabledCurrencies {
		if strings.EqualFold(strings.TrimSpace(cur), code) {
			return true
		}
	}
	return false
}

// Secrets lists configured values that must never be logged.
func (c *Config) Secrets() []string {
	return []string{
		c.DBRootPassword, c.AdminPassword, c.APISecret,
		c.PaystackSecretKey, c.StripeAPIKey,
		c.AdminKey, c.JWTSigningKey, c.EncryptionKey,
		c.PostmarkServerToken, c.PostmarkAccountToken,
	}
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks role-specific required values and formats.
func (c *Config) Validate() error {
	c.AppRole = strings.ToLower(strings.TrimSpace(c.AppRole))
	c.PaymentGateway = strings.ToLower(strings.TrimSpace(c.PaymentGateway))

	var missing []string
	switch c.AppRole {
	case RoleControlPanel:
		if c.TenantDomain == "" {
			missing = append(missing, "ROKCT_TENANT_DOMAIN")
		}
		if c.BenchPath == "" {
			missing = append(missing, "ROKCT_BENCH_PATH")
		}
		if c.ControlPlaneURL == "" {
			missing = append(missing, "ROKCT_CONTROL_PLANE_URL")
		}
		if c.AdminKey == "" && c.JWTSigningKey == "" {
			missing = append(missing, "ROKCT_ADMIN_KEY or ROKCT_JWT_SIGNING_KEY")
		}
		if c.EncryptionKey == "" {
			missing = append(missing, "ROKCT_ENCRYPTION_KEY")
		}
		switch c.PaymentGateway {
		case GatewayPaystack:
			if c.PaystackSecretKey == "" {
				missing = append(missing, "PAYSTACK_SECRET_KEY")
			}
		case GatewayStripe:
			if c.StripeAPIKey == "" {
				missing = append(missing, "STRIPE_API_KEY")
			}
		case GatewayLog:
		default:
			return fmt.Errorf("ROKCT_PAYMENT_GATEWAY must be one of paystack, stripe, log; got %q", c.PaymentGateway)
		}
	case RoleTenant:
		if c.ControlPlaneURL == "" {
			missing = append(missing, "ROKCT_CONTROL_PLANE_URL")
		}
		if c.SiteName == "" {
			missing = append(missing, "ROKCT_SITE_NAME")
		}
	default:
		return fmt.Errorf("ROKCT_APP_ROLE must be %q or %q, got %q", RoleControlPanel, RoleTenant, c.AppRole)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ROKCT_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("ROKCT_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.SignupRatePerMinute < 1 || c.SignupBurst < 1 {
		return fmt.Errorf("ROKCT_SIGNUP_RATE_PER_MINUTE and ROKCT_SIGNUP_BURST must be at least 1")
	}
	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("ROKCT_TRUSTED_PROXIES entry %q is not a CIDR: %w", cidr, err)
		}
	}

	parsed, err := url.Parse(c.ControlPlaneURL)
	if err != nil {
		return fmt.Errorf("ROKCT_CONTROL_PLANE_URL must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("ROKCT_CONTROL_PLANE_URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("ROKCT_CONTROL_PLANE_URL must include a host")
	}

	if c.TenantSiteScheme != "http" && c.TenantSiteScheme != "https" {
		return fmt.Errorf("ROKCT_TENANT_SITE_SCHEME must be http or https, got %q", c.TenantSiteScheme)
	}
	if strings.TrimSpace(c.PrimaryApp) == "" {
		return fmt.Errorf("ROKCT_PRIMARY_APP must not be empty")
	}
	return nil
}
