package main

import (
	"bytes"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substatevm/substatevm/core/system"
)

// runApp runs the command line with the given arguments and returns what
// it printed.
func runApp(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runAppErr(args...)
	require.NoError(t, err, out)
	return out
}

func runAppErr(args ...string) (string, error) {
	var buf bytes.Buffer
	writer := app.Writer
	app.Writer = &buf
	defer func() { app.Writer = writer }()

	err := app.Run(append([]string{"substatevm", "--verbosity", "1"}, args...))
	return buf.String(), err
}

var newNodeRe = regexp.MustCompile(`new node: (0x[0-9a-f]+) \(GlobalComponent\)`)

func TestRunAndInspect(t *testing.T) {
	var (
		dir  = t.TempDir()
		base = []string{"--datadir", dir, "--db.engine", "leveldb"}
	)
	create := writeFile(t, "create.toml", `
Nonce = 1

[[Calls]]
Blueprint = "Counter"
Function = "new"
Args = ["5"]
`)
	out := runApp(t, append(base, "run", create)...)
	assert.Contains(t, out, "success")
	match := newNodeRe.FindStringSubmatch(out)
	require.Len(t, match, 2, out)
	counter := match[1]

	increment := writeFile(t, "increment.toml", fmt.Sprintf(`
Nonce = 2
References = [%[1]q]

[[Calls]]
Blueprint = "Counter"
Function = "increment"
Receiver = %[1]q
Args = ["2"]
`, counter))
	out = runApp(t, append(base, "run", increment)...)
	assert.Contains(t, out, "output 0: 0x07")

	// Previews see the committed state and do not change it.
	get := writeFile(t, "get.toml", fmt.Sprintf(`
Nonce = 3
References = [%[1]q]

[[Calls]]
Blueprint = "Counter"
Function = "increment"
Receiver = %[1]q
Args = ["1"]
`, counter))
	out = runApp(t, append(base, "--exec.trace", "preview", get, get)...)
	assert.Equal(t, 2, bytes.Count([]byte(out), []byte("output 0: 0x08")), out)
	assert.Contains(t, out, "| tx_start")

	out = runApp(t, append(base, "inspect", counter)...)
	assert.Contains(t, out, counter[2:])
	assert.Contains(t, out, `"entityType": "GlobalComponent"`)

	out = runApp(t, append(base, "dump", "--stats")...)
	assert.Contains(t, out, "Version: 2")
	assert.Contains(t, out, counter[2:])
	assert.Contains(t, out, "Total: partitions=")

	_, err := runAppErr(append(base, "inspect", "0xc0")...)
	assert.Error(t, err)
}

func TestRunFailedTransaction(t *testing.T) {
	base := []string{"--datadir", t.TempDir(), "--db.engine", "pebble"}
	missing := writeFile(t, "missing.toml", `
Nonce = 1

[[Calls]]
Blueprint = "Missing"
Function = "new"
`)
	out := runApp(t, append(base, "run", missing)...)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, system.ErrBlueprintNotFound.Error())

	out = runApp(t, append(base, "--costunit.price", "1", "run", writeFile(t, "unpaid.toml", `
Nonce = 2

[[Calls]]
Blueprint = "Counter"
Function = "new"
Args = ["1"]
`))...)
	assert.Contains(t, out, "rejected")
}

func TestBlueprints(t *testing.T) {
	out := runApp(t, "blueprints")
	for _, name := range []string{system.AccountBlueprint, system.CounterBlueprint, system.KeyValueBlueprint} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "method increment")
}

func TestDatadirLock(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.Database.DataDir = dir
	cfg.Database.Engine = "boltdb"

	db, err := openDatabase(&cfg, false)
	require.NoError(t, err)
	_, err = runAppErr("--datadir", dir, "--db.engine", "boltdb", "run", writeFile(t, "tx.toml", `
[[Calls]]
Blueprint = "Counter"
Function = "new"
Args = ["1"]
`))
	assert.ErrorIs(t, err, errDatadirUsed)
	require.NoError(t, db.Close())
}
