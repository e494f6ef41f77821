// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package flags

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"
)

// DirectoryString is custom type which is registered in the flags library which cli uses for
// argument parsing. This allows us to expand Value to an absolute path when
// the argument is parsed.
// DirectoryString 是一个自定义类型，注册在 CLI 的标志库中用于参数解析。
// 它允许在解析参数时将值扩展为绝对路径。
type DirectoryString string

func (s *DirectoryString) String() string {
	return string(*s)
}

func (s *DirectoryString) Set(value string) error {
	*s = DirectoryString(expandPath(value))
	return nil
}

var (
	_ cli.Flag              = (*DirectoryFlag)(nil)
	_ cli.RequiredFlag      = (*DirectoryFlag)(nil)
	_ cli.VisibleFlag       = (*DirectoryFlag)(nil)
	_ cli.DocGenerationFlag = (*DirectoryFlag)(nil)
	_ cli.CategorizableFlag = (*DirectoryFlag)(nil)
)

// DirectoryFlag is custom cli.Flag type which expand the received string to an absolute path.
// e.g. ~/.substatevm -> /home/username/.substatevm
// DirectoryFlag 是一个自定义的 CLI 标志类型，将接收到的字符串扩展为绝对路径。
type DirectoryFlag struct {
	Name string

	Category    string
	DefaultText string
	Usage       string

	Required   bool
	Hidden     bool
	HasBeenSet bool

	Value DirectoryString

	Aliases []string
	EnvVars []string
}

// For cli.Flag:
func (f *DirectoryFlag) Names() []string { return append([]string{f.Name}, f.Aliases...) }
func (f *DirectoryFlag) IsSet() bool     { return f.HasBeenSet }
func (f *DirectoryFlag) String() string  { return cli.FlagStringer(f) }

// Apply takes the value from the environment, if any is set, and registers
// the flag under all its names.
func (f *DirectoryFlag) Apply(set *flag.FlagSet) error {
	if _, value, ok := lookupEnv(f.EnvVars); ok {
		f.Value.Set(value)
		f.HasBeenSet = true
	}
	eachName(f, func(name string) {
		set.Var(&f.Value, name, f.Usage)
	})
	return nil
}

// For cli.RequiredFlag:
func (f *DirectoryFlag) IsRequired() bool { return f.Required }

// For cli.VisibleFlag:
func (f *DirectoryFlag) IsVisible() bool { return !f.Hidden }

// For cli.CategorizableFlag:
func (f *DirectoryFlag) GetCategory() string { return f.Category }

// For cli.DocGenerationFlag:
func (f *DirectoryFlag) TakesValue() bool     { return true }
func (f *DirectoryFlag) GetUsage() string     { return f.Usage }
func (f *DirectoryFlag) GetValue() string     { return f.Value.String() }
func (f *DirectoryFlag) GetEnvVars() []string { return f.EnvVars }
func (f *DirectoryFlag) GetDefaultText() string {
	if f.DefaultText != "" {
		return f.DefaultText
	}
	return f.GetValue()
}

var (
	_ cli.Flag              = (*Uint256Flag)(nil)
	_ cli.RequiredFlag      = (*Uint256Flag)(nil)
	_ cli.VisibleFlag       = (*Uint256Flag)(nil)
	_ cli.DocGenerationFlag = (*Uint256Flag)(nil)
	_ cli.CategorizableFlag = (*Uint256Flag)(nil)
)

// Uint256Flag is a command line flag that accepts 256 bit unsigned integers
// in decimal or hexadecimal syntax.
// Uint256Flag 是一个命令行标志，接受十进制或十六进制语法的 256 位无符号整数。
type Uint256Flag struct {
	Name string

	Category    string
	DefaultText string
	Usage       string

	Required   bool
	Hidden     bool
	HasBeenSet bool

	Value        *uint256.Int
	defaultValue *uint256.Int

	Aliases []string
	EnvVars []string
}

// For cli.Flag:

func (f *Uint256Flag) Names() []string { return append([]string{f.Name}, f.Aliases...) }
func (f *Uint256Flag) IsSet() bool     { return f.HasBeenSet }
func (f *Uint256Flag) String() string  { return cli.FlagStringer(f) }

func (f *Uint256Flag) Apply(set *flag.FlagSet) error {
	// Keep the default aside so that the environment can't overwrite it.
	// 保存默认值，防止环境变量覆盖。
	if f.defaultValue == nil {
		f.defaultValue = new(uint256.Int)
		if f.Value != nil {
			f.defaultValue.Set(f.Value)
		}
	}
	f.Value = f.defaultValue.Clone()
	if env, value, ok := lookupEnv(f.EnvVars); ok {
		if err := (*uint256Value)(f.Value).Set(value); err != nil {
			return fmt.Errorf("could not parse %q from environment variable %q for flag %s", value, env, f.Name)
		}
		f.HasBeenSet = true
	}
	eachName(f, func(name string) {
		set.Var((*uint256Value)(f.Value), name, f.Usage)
	})
	return nil
}

// For cli.RequiredFlag:

func (f *Uint256Flag) IsRequired() bool { return f.Required }

// For cli.VisibleFlag:

func (f *Uint256Flag) IsVisible() bool { return !f.Hidden }

// For cli.CategorizableFlag:

func (f *Uint256Flag) GetCategory() string { return f.Category }

// For cli.DocGenerationFlag:

func (f *Uint256Flag) TakesValue() bool     { return true }
func (f *Uint256Flag) GetUsage() string     { return f.Usage }
func (f *Uint256Flag) GetValue() string     { return f.Value.Dec() }
func (f *Uint256Flag) GetEnvVars() []string { return f.EnvVars }
func (f *Uint256Flag) GetDefaultText() string {
	if f.DefaultText != "" {
		return f.DefaultText
	}
	if f.defaultValue == nil {
		return "0"
	}
	return f.defaultValue.Dec()
}

// uint256Value turns *uint256.Int into a flag.Value
// uint256Value 将 *uint256.Int 转换为 flag.Value。
type uint256Value uint256.Int

func (v *uint256Value) String() string {
	if v == nil {
		return ""
	}
	return (*uint256.Int)(v).Dec()
}

func (v *uint256Value) Set(s string) error {
	var (
		val *uint256.Int
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		val, err = uint256.FromHex(s)
	} else {
		val, err = uint256.FromDecimal(s)
	}
	if err != nil {
		return errors.New("invalid integer syntax")
	}
	(*uint256.Int)(v).Set(val)
	return nil
}

// GlobalUint256 returns the value of a Uint256Flag, nil if the flag is
// not defined.
// GlobalUint256 返回 Uint256Flag 的值，未定义时返回 nil。
func GlobalUint256(ctx *cli.Context, name string) *uint256.Int {
	val := ctx.Generic(name)
	if val == nil {
		return nil
	}
	return (*uint256.Int)(val.(*uint256Value)).Clone()
}

// Expands a file path
// 1. replace tilde with users home dir
// 2. expands embedded environment variables
// 3. cleans the path, e.g. /a/b/../c -> /a/c
// Note, it has limitations, e.g. ~someuser/tmp will not be expanded
// expandPath 扩展文件路径：
// 1. 将波浪号替换为用户的主目录。
// 2. 展开嵌入的环境变量。
// 3. 清理路径，例如 /a/b/../c -> /a/c。
func expandPath(p string) string {
	// Named pipes are not file paths on windows, ignore
	// 在 Windows 上，命名管道不是文件路径，忽略。
	if strings.HasPrefix(p, `\\.\pipe`) {
		return p
	}
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~\\") {
		if home := HomeDir(); home != "" {
			p = home + p[1:]
		}
	}
	return filepath.Clean(os.ExpandEnv(p))
}

// HomeDir returns the home directory of the current user.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// lookupEnv returns the first of envVars present in the environment.
func lookupEnv(envVars []string) (name, value string, ok bool) {
	for _, name := range envVars {
		name = strings.TrimSpace(name)
		if value, ok := syscall.Getenv(name); ok {
			return name, value, true
		}
	}
	return "", "", false
}

func eachName(f cli.Flag, fn func(string)) {
	for _, name := range f.Names() {
		name = strings.Trim(name, " ")
		fn(name)
	}
}
