package cloud

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed scripts/install.sh
var defaultInstallScript []byte

const envFilePath = "/etc/relay/env"

// ScriptStore publishes the install script somewhere a fresh VM can download it from.
type ScriptStore interface {
	PutScript(ctx context.Context, key string, body []byte) (string, error)
}

type BootstrapParams struct {
	ServerID     uint
	ServerType   string
	SharedSecret string
}

type BootstrapBuilder struct {
	store           ScriptStore
	orchestratorURL string
	script          []byte
}

// NewBootstrapBuilder returns a builder that inlines the script when store is nil.
func NewBootstrapBuilder(store ScriptStore, orchestratorURL string) *BootstrapBuilder {
	return &BootstrapBuilder{
		store:           store,
		orchestratorURL: strings.TrimRight(orchestratorURL, "/"),
		script:          defaultInstallScript,
	}
}

func (b *BootstrapBuilder) WithScript(script []byte) *BootstrapBuilder {
	b.script = script
	return b
}

type cloudConfig struct {
	WriteFiles []writeFile `yaml:"write_files"`
	RunCmd     [][]string  `yaml:"runcmd"`
}

type writeFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Owner       string `yaml:"owner,omitempty"`
	Content     string `yaml:"content"`
}

// Build renders the cloud-init user data for one server.
func (b *BootstrapBuilder) Build(ctx context.Context, p BootstrapParams) ([]byte, error) {
	env := fmt.Sprintf(
		"RELAY_SERVER_ID=%d\nRELAY_SERVER_TYPE=%s\nRELAY_SHARED_SECRET=%s\nRELAY_ORCHESTRATOR_URL=%s\n",
		p.ServerID, p.ServerType, p.SharedSecret, b.orchestratorURL,
	)
	cc := cloudConfig{
		WriteFiles: []writeFile{{
			Path:        envFilePath,
			Permissions: "0600",
			Owner:       "root:root",
			Content:     env,
		}},
	}

	if b.store != nil {
		key := fmt.Sprintf("bootstrap/%s-%d-%s.sh", p.ServerType, p.ServerID, uuid.NewString())
		url, err := b.store.PutScript(ctx, key, b.script)
		if err != nil {
			return nil, fmt.Errorf("publish install script: %w", err)
		}
		cc.RunCmd = [][]string{
			{"curl", "-fsSL", "-o", "/root/relay-install.sh", url},
			{"sh", "/root/relay-install.sh"},
		}
	} else {
		cc.WriteFiles = append(cc.WriteFiles, writeFile{
			Path:        "/root/relay-install.sh",
			Permissions: "0700",
			Content:     string(b.script),
		})
		cc.RunCmd = [][]string{{"sh", "/root/relay-install.sh"}}
	}

	body, err := yaml.Marshal(cc)
	if err != nil {
		return nil, fmt.Errorf("marshal cloud-config: %w", err)
	}
	return append([]byte("#cloud-config\n"), body...), nil
}
