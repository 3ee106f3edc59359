package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

const checkoutYAML = `id: checkout-cta
name: Checkout CTA
description: Button copy on the checkout page
variants:
  - id: A
    name: Buy now
    is_control: true
    traffic_weight: 50
    config:
      label: Buy now
  - id: B
    name: Complete purchase
    traffic_weight: 50
    config:
      label: Complete purchase
      color: green
goals:
  - id: purchase
    type: purchase
    primary: true
`

// execute runs the root command with args against the database at db.
func execute(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append([]string{"--driver", "sqlite", "--db", db, "--log-level", "error"}, args...))

	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// assignUsers sends n users through the engine so the test has traffic.
func assignUsers(t *testing.T, db, testID string, n int) {
	t.Helper()

	s, err := store.Open(db)
	require.NoError(t, err)
	defer s.Close()

	r := experiment.New(s, experiment.Options{})
	for i := 0; i < n; i++ {
		_, ok := r.GetVariantForUser(context.Background(), testID, fmt.Sprintf("user-%d", i))
		require.True(t, ok)
	}
}

func TestCreateListShow(t *testing.T) {
	db := filepath.Join(t.TempDir(), "splitgoat.db")
	def := writeFile(t, "checkout.yaml", checkoutYAML)

	out, err := execute(t, db, "create", "-f", def, "--start=false")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Created test 'Checkout CTA' (checkout-cta) with 2 variants")
	assert.Contains(t, out, "A: Buy now 50% (control)")
	assert.Contains(t, out, "Status: draft")

	out, err = execute(t, db, "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "checkout-cta")
	assert.Contains(t, out, "DRAFT")

	out, err = execute(t, db, "show", "checkout-cta")
	require.NoError(t, err, out)
	assert.Contains(t, out, "name: Checkout CTA")
	assert.Contains(t, out, "traffic_weight: 50")
	assert.Contains(t, out, "color: green")
}

func TestCreate_RejectsInvalidDefinition(t *testing.T) {
	db := filepath.Join(t.TempDir(), "splitgoat.db")
	def := writeFile(t, "bad.yaml", strings.ReplaceAll(checkoutYAML, "traffic_weight: 50", "traffic_weight: 60"))

	out, err := execute(t, db, "create", "-f", def, "--start=false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "variant traffic weights sum to 120, want 100")
	assert.NotContains(t, out, "Created test")

	out, err = execute(t, db, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No tests yet.")
}

func TestLifecycleCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "splitgoat.db")
	def := writeFile(t, "checkout.yaml", checkoutYAML)

	out, err := execute(t, db, "create", "-f", def, "--start")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Status: running")

	out, err = execute(t, db, "pause", "checkout-cta")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Test 'checkout-cta' is now paused")

	out, err = execute(t, db, "stop", "checkout-cta")
	require.NoError(t, err, out)
	assert.Contains(t, out, "is now completed")

	_, err = execute(t, db, "start", "checkout-cta")
	assert.Error(t, err, "completed tests cannot be restarted")

	_, err = execute(t, db, "start", "missing")
	require.Error(t, err)
	assert.Equal(t, "test 'missing' not found", err.Error())
}

func TestResults(t *testing.T) {
	db := filepath.Join(t.TempDir(), "splitgoat.db")
	def := writeFile(t, "checkout.yaml", checkoutYAML)

	_, err := execute(t, db, "create", "-f", def, "--start")
	require.NoError(t, err)
	assignUsers(t, db, "checkout-cta", 20)

	out, err := execute(t, db, "results", "checkout-cta", "--json=false")
	require.NoError(t, err, out)

	expectations := []string{
		"TEST: Checkout CTA (checkout-cta)",
		"STATUS: running",
		"METHOD: two-proportion-z",
		"A (control)",
		"TOTAL: 20 impressions, 0 conversions",
		"RECOMMENDATIONS:",
	}
	for _, expected := range expectations {
		assert.Contains(t, out, expected)
	}
	assert.NotContains(t, out, "WINNER")

	out, err = execute(t, db, "results", "checkout-cta", "--json")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"total_impressions": 20`)
}

func TestExportImportCloneDelete(t *testing.T) {
	db := filepath.Join(t.TempDir(), "splitgoat.db")
	def := writeFile(t, "checkout.yaml", checkoutYAML)

	_, err := execute(t, db, "create", "-f", def, "--start")
	require.NoError(t, err)
	assignUsers(t, db, "checkout-cta", 5)

	bundle := filepath.Join(t.TempDir(), "bundle.json")
	out, err := execute(t, db, "export", "checkout-cta", "-o", bundle)
	require.NoError(t, err, out)
	data, err := os.ReadFile(bundle)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"user_id": "user-0"`)

	out, err = execute(t, db, "import", bundle)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Imported 'Checkout CTA' as")
	assert.Contains(t, out, "(draft)")

	out, err = execute(t, db, "clone", "checkout-cta", "--name", "Checkout CTA v2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Cloned 'checkout-cta' into 'Checkout CTA v2'")

	out, err = execute(t, db, "list")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "DRAFT"))
	assert.Equal(t, 1, strings.Count(out, "RUNNING"))

	out, err = execute(t, db, "delete", "checkout-cta", "--yes")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Deleted test 'checkout-cta'")

	_, err = execute(t, db, "show", "checkout-cta")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestToken(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "splitgoat.db")

	_, err := execute(t, db, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no server running")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".splitgoat-token"), []byte("abc123\n"), 0600))
	out, err := execute(t, db, "token")
	require.NoError(t, err, out)
	assert.Contains(t, out, "/api/admin/tests?token=abc123")
	assert.Contains(t, out, "Authorization: Bearer abc123")
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{-1500, "-1,500"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
