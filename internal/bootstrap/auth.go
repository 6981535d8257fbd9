package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// PromptFunc asks the operator for a secret.
type PromptFunc func(prompt string) (string, error)

// AuthConfig selects the SSH authentication methods offered to the server.
type AuthConfig struct {
	// IdentityFiles are private key files tried in order.
	IdentityFiles []string

	// UseAgent offers the keys held by the agent at SSH_AUTH_SOCK.
	UseAgent bool

	// Password is offered for password and keyboard-interactive auth.
	Password string

	// PasswordPrompt asks for a password when the server requests one and
	// Password is empty. Key passphrases are prompted for the same way.
	PasswordPrompt bool

	// Prompt overrides the terminal prompt.
	Prompt PromptFunc
}

// authMethods builds the method list. The returned closer releases the agent
// connection, if one was opened.
func authMethods(cfg AuthConfig) ([]ssh.AuthMethod, func() error, error) {
	prompt := cfg.Prompt
	if prompt == nil {
		prompt = terminalPrompt
	}

	var (
		methods []ssh.AuthMethod
		signers []ssh.Signer
		closer  = func() error { return nil }
	)

	for _, path := range cfg.IdentityFiles {
		signer, err := loadIdentity(path, cfg.PasswordPrompt, prompt)
		if err != nil {
			return nil, nil, err
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				closer = conn.Close
			}
		}
	}

	if cfg.Password != "" || cfg.PasswordPrompt {
		password := cachedPassword(cfg.Password, prompt)
		methods = append(methods,
			ssh.PasswordCallback(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					if echos[i] {
						continue
					}
					pw, err := password()
					if err != nil {
						return nil, err
					}
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		closer()
		return nil, nil, errors.New("no SSH authentication method available")
	}

	return methods, closer, nil
}

// cachedPassword prompts at most once; the remote termination connection
// reuses the answer.
func cachedPassword(password string, prompt PromptFunc) func() (string, error) {
	var (
		once   sync.Once
		answer string
		err    error
	)
	return func() (string, error) {
		if password != "" {
			return password, nil
		}
		once.Do(func() {
			answer, err = prompt("SSH password: ")
		})
		return answer, err
	}
}

func loadIdentity(path string, canPrompt bool, prompt PromptFunc) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && canPrompt {
		passphrase, perr := prompt(fmt.Sprintf("Passphrase for %s: ", path))
		if perr != nil {
			return nil, perr
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}

	return signer, nil
}

func terminalPrompt(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("cannot prompt for a secret: stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(secret), nil
}

// hostKeyCallback verifies the server against known_hosts unless insecure.
func hostKeyCallback(knownHostsFile string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if knownHostsFile == "" {
		return nil, errors.New("known_hosts file required for host key verification")
	}

	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}
