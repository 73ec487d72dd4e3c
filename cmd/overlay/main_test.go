package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"overlay", "kinds"}, &out, &out))
	require.Contains(t, out.String(), "mailbox")
	require.Contains(t, out.String(), "role_attestation")
}

func TestPublishValidatesArguments(t *testing.T) {
	home := t.TempDir()
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"overlay", "--home", home, "publish"}, "missing --text"},
		{[]string{"overlay", "--home", home, "publish", "--kind", "nope", "--text", "x"}, "unknown kind"},
		{[]string{"overlay", "--home", home, "publish", "--text", "x"}, "missing --connect"},
		{[]string{"overlay", "--home", home, "mail", "--text", "x"}, "missing --to"},
	}
	for _, tc := range cases {
		var out, errOut bytes.Buffer
		require.Equal(t, 1, run(tc.args, &out, &errOut), tc.args)
		require.Contains(t, errOut.String(), tc.want)
	}
}
