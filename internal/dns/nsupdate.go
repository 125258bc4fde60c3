package dns

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Updater maintains the public A/AAAA records of edge servers.
type Updater interface {
	UpsertRecord(ctx context.Context, hostname, ip string, ttl int) error
	DeleteRecord(ctx context.Context, hostname string) error
}

type Config struct {
	Binary       string
	Server       string
	Zone         string
	KeyName      string
	KeyAlgorithm string
	KeySecret    string
	Timeout      time.Duration
}

type runFunc func(ctx context.Context, name string, args []string, stdin string) ([]byte, error)

// NSUpdater applies dynamic updates with nsupdate, authenticated by a TSIG key written to a throwaway file.
type NSUpdater struct {
	cfg Config
	run runFunc
}

func NewNSUpdater(cfg Config) *NSUpdater {
	if cfg.Binary == "" {
		cfg.Binary = "nsupdate"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &NSUpdater{cfg: cfg, run: execRun}
}

func execRun(ctx context.Context, name string, args []string, stdin string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

func (u *NSUpdater) UpsertRecord(ctx context.Context, hostname, ip string, ttl int) error {
	if hostname == "" || ip == "" {
		return fmt.Errorf("upsert record: hostname and ip are required")
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("upsert record %s: invalid ip %q", hostname, ip)
	}
	rrType := "A"
	if parsed.To4() == nil {
		rrType = "AAAA"
	}
	name := fqdn(hostname)
	cmds := []string{
		fmt.Sprintf("update delete %s %s", name, rrType),
		fmt.Sprintf("update add %s %d %s %s", name, ttl, rrType, ip),
	}
	return u.apply(ctx, cmds)
}

func (u *NSUpdater) DeleteRecord(ctx context.Context, hostname string) error {
	if hostname == "" {
		return fmt.Errorf("delete record: hostname is required")
	}
	name := fqdn(hostname)
	return u.apply(ctx, []string{
		fmt.Sprintf("update delete %s A", name),
		fmt.Sprintf("update delete %s AAAA", name),
	})
}

func (u *NSUpdater) apply(ctx context.Context, updates []string) error {
	if u.cfg.KeyName == "" || u.cfg.KeyAlgorithm == "" || u.cfg.KeySecret == "" {
		return errors.New("dns key configuration is incomplete")
	}

	keyFile, err := u.writeKeyFile()
	if err != nil {
		return err
	}
	defer os.Remove(keyFile)

	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	out, err := u.run(ctx, u.cfg.Binary, []string{"-v", "-k", keyFile}, u.script(updates))
	if err != nil {
		return fmt.Errorf("nsupdate: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (u *NSUpdater) script(updates []string) string {
	var b strings.Builder
	if u.cfg.Server != "" {
		fmt.Fprintf(&b, "server %s\n", u.cfg.Server)
	}
	if u.cfg.Zone != "" {
		fmt.Fprintf(&b, "zone %s\n", u.cfg.Zone)
	}
	for _, line := range updates {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("send\n")
	return b.String()
}

func (u *NSUpdater) writeKeyFile() (string, error) {
	f, err := os.CreateTemp("", "dns_key_*.key")
	if err != nil {
		return "", fmt.Errorf("create key file: %w", err)
	}
	defer f.Close()

	if err := f.Chmod(0o600); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod key file: %w", err)
	}
	content := fmt.Sprintf("key \"%s\" {\n\talgorithm %s;\n\tsecret \"%s\";\n};\n", u.cfg.KeyName, u.cfg.KeyAlgorithm, u.cfg.KeySecret)
	if _, err := f.WriteString(content); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write key file: %w", err)
	}
	return f.Name(), nil
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
