package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig holds settings for an SFTP backend.
type SFTPConfig struct {
	// Addr is the host:port of the SSH server.
	Addr string `json:"addr" yaml:"addr"`
	// User to authenticate as.
	User string `json:"user" yaml:"user"`
	// Password authentication, used when PrivateKeyPath is empty.
	Password string `json:"password" yaml:"password"`
	// PrivateKeyPath points to a PEM private key for public key authentication.
	PrivateKeyPath string `json:"private_key_path" yaml:"private_key_path"`
	// KnownHostsPath is the known_hosts file used to verify the server key.
	KnownHostsPath string `json:"known_hosts_path" yaml:"known_hosts_path"`
	// Root is the remote directory all paths are resolved against.
	Root string `json:"root" yaml:"root"`
}

// SFTPDriver stores files on a remote host over SFTP.
type SFTPDriver struct {
	ssh    *ssh.Client
	client *sftp.Client
	root   string
}

// DialSFTP connects to the configured server and returns a driver. Close
// releases the connection.
func DialSFTP(cfg SFTPConfig) (*SFTPDriver, error) {
	if cfg.Addr == "" || cfg.User == "" {
		return nil, newError(KindConfiguration, "init", cfg.Addr, errors.New("sftp addr and user are required"))
	}
	if cfg.KnownHostsPath == "" {
		return nil, newError(KindConfiguration, "init", cfg.Addr, errors.New("sftp known_hosts_path is required"))
	}

	hostKeys, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, newError(KindConfiguration, "init", cfg.KnownHostsPath, err)
	}

	var auth ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, newError(KindConfiguration, "init", cfg.PrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, newError(KindConfiguration, "init", cfg.PrivateKeyPath, err)
		}
		auth = ssh.PublicKeys(signer)
	} else {
		auth = ssh.Password(cfg.Password)
	}

	conn, err := ssh.Dial("tcp", cfg.Addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
	})
	if err != nil {
		return nil, newError(KindConnection, "init", cfg.Addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, newError(KindConnection, "init", cfg.Addr, err)
	}

	root := cfg.Root
	if root == "" {
		root = "."
	}
	return &SFTPDriver{ssh: conn, client: client, root: root}, nil
}

// Close releases the SFTP session and the SSH connection.
func (d *SFTPDriver) Close() error {
	err := d.client.Close()
	if cerr := d.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *SFTPDriver) resolve(op, p string) (string, string, error) {
	cleaned, err := cleanPath(op, p)
	if err != nil {
		return "", "", err
	}
	return cleaned, path.Join(d.root, cleaned), nil
}

// translateSFTP maps sftp and network errors to the storage taxonomy.
func translateSFTP(op, p string, err error) error {
	var netErr net.Error
	var status *sftp.StatusError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(KindNotFound, op, p, err)
	case errors.Is(err, fs.ErrPermission):
		return newError(KindRequest, op, p, err)
	case errors.As(err, &netErr), errors.Is(err, io.EOF):
		return newError(KindConnection, op, p, err)
	case errors.As(err, &status):
		return newError(KindRequest, op, p, err)
	default:
		return newError(KindUnknown, op, p, err)
	}
}

// GetFile implements Driver.
func (d *SFTPDriver) GetFile(_ context.Context, p string) ([]byte, error) {
	_, full, err := d.resolve("get", p)
	if err != nil {
		return nil, err
	}
	f, err := d.client.Open(full)
	if err != nil {
		return nil, translateSFTP("get", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, translateSFTP("get", p, err)
	}
	return data, nil
}

// PutFile implements Driver.
func (d *SFTPDriver) PutFile(_ context.Context, p string, data []byte) error {
	cleaned, full, err := d.resolve("put", p)
	if err != nil {
		return err
	}
	if cleaned == "" {
		return newError(KindParameter, "put", p, errors.New("empty file path"))
	}
	if err := d.client.MkdirAll(path.Dir(full)); err != nil {
		return translateSFTP("put", p, err)
	}
	f, err := d.client.Create(full)
	if err != nil {
		return translateSFTP("put", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return translateSFTP("put", p, err)
	}
	if err := f.Close(); err != nil {
		return translateSFTP("put", p, err)
	}
	return nil
}

// RemoveFile implements Driver.
func (d *SFTPDriver) RemoveFile(_ context.Context, p string) error {
	_, full, err := d.resolve("remove", p)
	if err != nil {
		return err
	}
	if err := d.client.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return translateSFTP("remove", p, err)
	}
	return nil
}

// RemoveDirectory implements Driver.
func (d *SFTPDriver) RemoveDirectory(_ context.Context, p string, recursive bool) error {
	_, full, err := d.resolve("rmdir", p)
	if err != nil {
		return err
	}
	entries, err := d.client.ReadDir(full)
	if err != nil {
		return translateSFTP("rmdir", p, err)
	}
	if len(entries) > 0 && !recursive {
		return newError(KindRequest, "rmdir", p, errNotEmpty)
	}
	if err := d.removeAll(full, entries); err != nil {
		return translateSFTP("rmdir", p, err)
	}
	return nil
}

func (d *SFTPDriver) removeAll(dir string, entries []os.FileInfo) error {
	for _, entry := range entries {
		child := path.Join(dir, entry.Name())
		if !entry.IsDir() {
			if err := d.client.Remove(child); err != nil {
				return err
			}
			continue
		}
		nested, err := d.client.ReadDir(child)
		if err != nil {
			return err
		}
		if err := d.removeAll(child, nested); err != nil {
			return err
		}
	}
	return d.client.RemoveDirectory(dir)
}

// FileExists implements Driver.
func (d *SFTPDriver) FileExists(_ context.Context, p string) (bool, error) {
	_, full, err := d.resolve("stat", p)
	if err != nil {
		return false, err
	}
	info, err := d.client.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, translateSFTP("stat", p, err)
	}
	return !info.IsDir(), nil
}

// ListDirectory implements Driver.
func (d *SFTPDriver) ListDirectory(_ context.Context, p string, recursive bool) (*Listing, error) {
	cleaned, full, err := d.resolve("list", p)
	if err != nil {
		return nil, err
	}
	var files, dirs []string
	if err := d.walk(full, "", recursive, &files, &dirs); err != nil {
		if errors.Is(err, fs.ErrNotExist) && cleaned == "" {
			return buildListing("", nil, recursive), nil
		}
		return nil, translateSFTP("list", p, err)
	}
	listing := buildListing(listingName(cleaned), files, recursive)
	addDirectories(listing, dirs)
	return listing, nil
}

func (d *SFTPDriver) walk(dir, rel string, recursive bool, files, dirs *[]string) error {
	entries, err := d.client.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := path.Join(rel, entry.Name())
		if !entry.IsDir() {
			*files = append(*files, name)
			continue
		}
		*dirs = append(*dirs, name)
		if recursive {
			if err := d.walk(path.Join(dir, entry.Name()), name, recursive, files, dirs); err != nil {
				return err
			}
		}
	}
	return nil
}

