package sshmanager

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshdesk/internal/logutil"
)

// authMethods builds the client auth methods for cfg. Password auth also
// answers keyboard-interactive prompts with the password, which many servers
// require instead of plain password auth.
func authMethods(cfg ConnectConfig) ([]ssh.AuthMethod, error) {
	switch cfg.AuthType {
	case AuthPassword:
		return passwordMethods(cfg.Password), nil
	case AuthKey:
		keyData, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", logutil.SanitizeForLog(cfg.KeyPath), err)
		}
		return keyMethods(keyData, cfg.Passphrase)
	case AuthKeyContent:
		return keyMethods([]byte(cfg.KeyContent), cfg.Passphrase)
	case AuthKeySelect:
		if cfg.KeyContent != "" {
			return keyMethods([]byte(cfg.KeyContent), cfg.Passphrase)
		}
		if cfg.Password != "" {
			return passwordMethods(cfg.Password), nil
		}
		return nil, fmt.Errorf("selected key %q has no resolved credential", cfg.KeyID)
	}
	return nil, fmt.Errorf("unknown auth type %q", cfg.AuthType)
}

func passwordMethods(password string) []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}
}

func keyMethods(keyData []byte, passphrase string) ([]ssh.AuthMethod, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key is passphrase protected")
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}
