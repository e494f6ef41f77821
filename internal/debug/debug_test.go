package debug

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func newContext(t *testing.T, args ...string) *cli.Context {
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range Flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestSetupFileLogging(t *testing.T) {
	defer log.SetDefault(log.Root())

	file := filepath.Join(t.TempDir(), "logs", "substatevm.log")
	require.NoError(t, Setup(newContext(t, "--log.file", file, "--log.format", "logfmt", "--verbosity", "4")))
	log.Debug("hello from the test", "answer", 42)
	Exit()
	logOutputFile = nil

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the test")
	assert.Contains(t, string(data), "answer=42")
}

func TestSetupUnknownFormat(t *testing.T) {
	assert.Error(t, Setup(newContext(t, "--log.format", "yaml")))
}

func TestStacksFilter(t *testing.T) {
	all := Handler.Stacks()
	assert.Contains(t, all, "TestStacksFilter")
	assert.Contains(t, Handler.Stacks("TestStacksFilter"), "TestStacksFilter")
	assert.Empty(t, Handler.Stacks("no-such-frame-anywhere"))
}
