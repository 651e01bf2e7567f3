/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Sun Mar 17 13:02:55 2019 mstenber
 * Last modified: Sun Mar 17 13:20:31 2019 mstenber
 * Edit time:     14 min
 *
 */

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stvp/assert"
)

func run(args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input")
	assert.Nil(t, os.WriteFile(src, []byte("content"), 0600))
	common := []string{"--dir", dir, "--password", "pw", "--compression", "lz4"}
	cmd := func(args ...string) error {
		return run(append(args, common...)...)
	}

	assert.NotNil(t, cmd("volumes"))
	assert.Nil(t, cmd("format", "--size", "16777216"))
	assert.NotNil(t, cmd("format", "--size", "16777216"))
	assert.Nil(t, cmd("mkvol", "plain"))
	assert.Nil(t, cmd("mkvol", "secret", "--encrypted"))
	assert.NotNil(t, cmd("mkvol", "plain"))
	assert.Nil(t, cmd("volumes"))
	assert.Nil(t, cmd("put", "secret", "f", src))
	assert.Nil(t, cmd("put", "secret", "f", src))
	assert.Nil(t, cmd("get", "secret", "f"))
	assert.NotNil(t, cmd("get", "secret", "nope"))
	assert.NotNil(t, cmd("get", "nope", "f"))
	assert.Nil(t, cmd("flush"))
	assert.Nil(t, cmd("stats"))
}
