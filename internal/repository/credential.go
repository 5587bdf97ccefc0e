package repository

import (
	"fmt"
	"os"
	"strings"
)

// SSHCredential is the key material used to push to the try server
type SSHCredential struct {
	User string
	Key  []byte
}

// Empty reports whether no key is configured
func (c SSHCredential) Empty() bool {
	return len(c.Key) == 0
}

// withKeyFile materializes the key in a private temp file for the duration
// of fn and erases it on every return path, including panics.
func (c SSHCredential) withKeyFile(dir string, fn func(sshCommand string) error) (err error) {
	if c.Empty() {
		return fn("")
	}

	f, err := os.CreateTemp(dir, "pulselistener-*.key")
	if err != nil {
		return fmt.Errorf("creating ssh key file: %w", err)
	}
	path := f.Name()
	defer func() {
		if rmErr := eraseFile(path, len(c.Key)); rmErr != nil && err == nil {
			err = rmErr
		}
	}()

	if err := f.Chmod(0600); err != nil {
		f.Close()
		return fmt.Errorf("securing ssh key file: %w", err)
	}
	key := c.Key
	if len(key) > 0 && key[len(key)-1] != '\n' {
		key = append(append([]byte{}, key...), '\n')
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return fmt.Errorf("writing ssh key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing ssh key file: %w", err)
	}

	return fn(sshCommand(c.User, path))
}

func sshCommand(user, keyPath string) string {
	opts := []string{
		`-o StrictHostKeyChecking="no"`,
		`-o IdentitiesOnly="yes"`,
		fmt.Sprintf(`-o IdentityFile="%s"`, keyPath),
	}
	if user != "" {
		opts = append(opts, fmt.Sprintf(`-o User="%s"`, user))
	}
	return "ssh " + strings.Join(opts, " ")
}

// eraseFile overwrites the file with zeros before unlinking it
func eraseFile(path string, size int) error {
	if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
		f.Write(make([]byte, size+1))
		f.Sync()
		f.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing ssh key file: %w", err)
	}
	return nil
}
