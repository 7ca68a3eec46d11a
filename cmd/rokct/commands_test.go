package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RendaniSinyage/rokct/internal/config"
	"github.com/RendaniSinyage/rokct/internal/controlplane"
	"github.com/RendaniSinyage/rokct/internal/notify"
	"github.com/RendaniSinyage/rokct/internal/support"
)

const testSigningKey = "signing-key-for-cli-tests"

func controlPlaneEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ROKCT_APP_ROLE", "control_panel")
	t.Setenv("ROKCT_DATA_DIR", dir)
	t.Setenv("ROKCT_TENANT_DOMAIN", "rokct.ai")
	t.Setenv("ROKCT_CONTROL_PLANE_URL", "https://control.rokct.ai")
	t.Setenv("ROKCT_JWT_SIGNING_KEY", testSigningKey)
	t.Setenv("ROKCT_ENCRYPTION_KEY", "encryption-key-for-cli-tests")
	t.Setenv("ROKCT_PAYMENT_GATEWAY", "log")
	t.Setenv("ROKCT_BENCH_PATH", filepath.Join(dir, "bench"))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Rokct 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestGenSecretCmd(t *testing.T) {
	first, err := execute(t, "gen-secret")
	require.NoError(t, err)
	second, err := execute(t, "gen-secret")
	require.NoError(t, err)

	first, second = strings.TrimSpace(first), strings.TrimSpace(second)
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestGenTokenCmdIssuesAcceptedToken(t *testing.T) {
	controlPlaneEnv(t)

	out, err := execute(t, "gen-token", "--agent", "jane@rokct.ai")
	require.NoError(t, err)
	tok := strings.TrimSpace(out)

	req := httptest.NewRequest("POST", "/approve_migration", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	agent, err := (&controlplane.Authenticator{SigningKey: testSigningKey}).Agent(req)
	require.NoError(t, err)
	assert.Equal(t, "jane@rokct.ai", agent.ID)
	assert.True(t, agent.IsSystemManager())
}

func TestMigrateCmdCreatesStore(t *testing.T) {
	dir := controlPlaneEnv(t)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "is up to date")

	_, err = os.Stat(filepath.Join(dir, "store", "rokct.db"))
	assert.NoError(t, err)
}

func TestServeRejectsBothModes(t *testing.T) {
	_, err := execute(t, "serve", "--web", "--worker")
	assert.Error(t, err)
}

func TestNewGateway(t *testing.T) {
	tests := []struct {
		gateway string
		want    string
	}{
		{config.GatewayPaystack, "paystack"},
		{config.GatewayStripe, "stripe"},
		{config.GatewayLog, "log"},
	}
	for _, tt := range tests {
		t.Run(tt.gateway, func(t *testing.T) {
			cfg := &config.Config{PaymentGateway: tt.gateway, PaystackSecretKey: "sk_test", StripeAPIKey: "sk_test"}
			assert.Equal(t, tt.want, newGateway(cfg, nil).Name())
		})
	}
}

func TestNewSenderFallsBackToLog(t *testing.T) {
	_, ok := newSender(&config.Config{}).(*notify.LogSender)
	assert.True(t, ok)

	_, ok = newSender(&config.Config{PostmarkServerToken: "server-token"}).(*notify.PostmarkSender)
	assert.True(t, ok)
}

func TestNewAppRequiresControlPanelRole(t *testing.T) {
	_, err := newApp(t.Context(), &config.Config{AppRole: config.RoleTenant})
	assert.Error(t, err)
}

func TestGenTokenDefaultsToSystemManager(t *testing.T) {
	roles, err := genTokenCmd.Flags().GetStringSlice("role")
	require.NoError(t, err)
	assert.Contains(t, roles, support.RoleSystemManager)
}
