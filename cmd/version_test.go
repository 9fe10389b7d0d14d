package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/provnuk88/dsv2-sub000/rollcall"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := rollcall.Version
	originalCommitSHA := rollcall.CommitSHA
	originalBuildTime := rollcall.BuildTime

	t.Cleanup(
		func() {
			rollcall.Version = originalVersion
			rollcall.CommitSHA = originalCommitSHA
			rollcall.BuildTime = originalBuildTime
		},
	)

	rollcall.Version = "1.0.0"
	rollcall.CommitSHA = "abc123"
	rollcall.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		rollcall.Version,
		rollcall.CommitSHA,
		rollcall.BuildTime,
	)
	assert.Equal(t, expected, output)
}
