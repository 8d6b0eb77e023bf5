package cryptotoken

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadModuleConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pin.txt"), []byte("1234\n"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tokens"), 0700))

	yml := `
name: ca1
type: emulator
path: tokens
pin: file:pin.txt
parallelism: 4
attributes: Region=us-west-2, Endpoint=http://localhost
mechanisms: [RSA_PKCS1, ecdsa-x962]
slots:
  include_indexes: [0, 1]
  exclude_ids: [7]
`
	fn := filepath.Join(dir, "ca1.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(yml), 0600))

	cfg, err := LoadModuleConfig(fn)
	require.NoError(t, err)
	assert.Equal(t, "ca1", cfg.Name)
	assert.Equal(t, "emulator", cfg.Type)
	assert.Equal(t, filepath.Join(dir, "tokens"), cfg.Path)
	assert.Equal(t, "1234", cfg.Pin)
	assert.Equal(t, 4, cfg.Parallelism)
	assert.Equal(t, []int{0, 1}, cfg.Slots.IncludeIndexes)

	mechs, err := cfg.AllowedMechanisms()
	require.NoError(t, err)
	assert.Equal(t, []Mechanism{RSAPKCS1, ECDSAX962}, mechs)

	attrs := ParseAttributes(cfg.Attributes)
	assert.Equal(t, map[string]string{"Region": "us-west-2", "Endpoint": "http://localhost"}, attrs)

	t.Run("json", func(t *testing.T) {
		t.Setenv("XTOKEN_TEST_PIN", "secret")
		js := `{"name":"ca2","type":"pkcs11","path":"/usr/lib/softhsm/libsofthsm2.so","pin":"env:XTOKEN_TEST_PIN"}`
		fn := filepath.Join(dir, "ca2.json")
		require.NoError(t, os.WriteFile(fn, []byte(js), 0600))

		cfg, err := LoadModuleConfig(fn)
		require.NoError(t, err)
		assert.Equal(t, "secret", cfg.Pin)
		assert.Equal(t, DefaultParallelism, cfg.Parallelism)
		assert.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", cfg.Path)

		mechs, err := cfg.AllowedMechanisms()
		require.NoError(t, err)
		assert.Equal(t, AllMechanisms(), mechs)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := LoadModuleConfig(filepath.Join(dir, "missing.yaml"))
		assert.Error(t, err)

		fn := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(fn, []byte("name: [\n"), 0600))
		_, err = LoadModuleConfig(fn)
		assert.Error(t, err)

		fn = filepath.Join(dir, "nopin.yaml")
		require.NoError(t, os.WriteFile(fn, []byte("name: x\ntype: y\npin: file:missing.txt\n"), 0600))
		_, err = LoadModuleConfig(fn)
		assert.Error(t, err)

		fn = filepath.Join(dir, "notype.yaml")
		require.NoError(t, os.WriteFile(fn, []byte("name: x\n"), 0600))
		_, err = LoadModuleConfig(fn)
		assert.Error(t, err)
	})
}

func TestModuleConfig_Copy(t *testing.T) {
	cfg := &ModuleConfig{
		Name:       "n",
		Type:       "t",
		Mechanisms: []string{"RSA_PSS"},
		Slots:      SlotFilter{IncludeIDs: []uint{1}},
	}
	cp := cfg.Copy()
	assert.Equal(t, "n", cp.Name)
	assert.Equal(t, "t", cp.Type)
	assert.Equal(t, cfg.Mechanisms, cp.Mechanisms)
	assert.Equal(t, cfg.Slots.IncludeIDs, cp.Slots.IncludeIDs)

	cfg.Mechanisms[0] = "RSA_X509"
	cfg.Slots.IncludeIDs[0] = 2
	assert.Equal(t, "RSA_PSS", cp.Mechanisms[0])
	assert.Equal(t, uint(1), cp.Slots.IncludeIDs[0])
}

func TestSlotFilter(t *testing.T) {
	var f SlotFilter
	assert.True(t, f.Allowed(SlotID{Index: 5, ID: 5}))

	f = SlotFilter{IncludeIndexes: []int{1}, IncludeIDs: []uint{0x20}, ExcludeIDs: []uint{0x21}}
	assert.True(t, f.Allowed(SlotID{Index: 1, ID: 0x10}))
	assert.True(t, f.Allowed(SlotID{Index: 2, ID: 0x20}))
	assert.False(t, f.Allowed(SlotID{Index: 3, ID: 0x30}))
	assert.False(t, f.Allowed(SlotID{Index: 1, ID: 0x21}))
}

func TestParseAttributes(t *testing.T) {
	assert.Empty(t, ParseAttributes(""))
	assert.Equal(t, map[string]string{"a": "1", "b": "", "c": "x=y"}, ParseAttributes("a=1, b, c=x=y,,"))
}

func TestResolvePin(t *testing.T) {
	pin, err := ResolvePin("1234", "")
	require.NoError(t, err)
	assert.Equal(t, "1234", pin)

	dir := t.TempDir()
	fn := filepath.Join(dir, "pin")
	require.NoError(t, os.WriteFile(fn, []byte("abcd"), 0600))
	pin, err = ResolvePin("file:"+fn, "")
	require.NoError(t, err)
	assert.Equal(t, "abcd", pin)

	pin, err = ResolvePin("file:pin", dir)
	require.NoError(t, err)
	assert.Equal(t, "abcd", pin)
}
