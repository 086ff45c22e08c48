package sshmanager

import (
	"bytes"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// bannerCommand prints the system message of the day between markers.
const bannerCommand = `echo "=== SSH_LOGIN_INFO_START ===" && cat /etc/motd 2>/dev/null || echo "No motd" && echo "=== SSH_LOGIN_INFO_END ==="`

// fetchBanner runs bannerCommand and returns its trimmed output. Any failure,
// including running past timeout, yields an empty string.
func fetchBanner(client *ssh.Client, timeout time.Duration) string {
	session, err := client.NewSession()
	if err != nil {
		return ""
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(bannerCommand) }()

	select {
	case err := <-done:
		if err != nil {
			return ""
		}
		return strings.TrimSpace(out.String())
	case <-time.After(timeout):
		return ""
	}
}

// joinBanner combines the pre-auth server banner with the motd output.
func joinBanner(preAuth, motd string) string {
	preAuth = strings.TrimSpace(preAuth)
	switch {
	case preAuth == "":
		return motd
	case motd == "":
		return preAuth
	}
	return preAuth + "\n" + motd
}
