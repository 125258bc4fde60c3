package cloud

import (
	"context"
	"errors"
)

var ErrInstanceNotFound = errors.New("instance not found")

type InstanceSpec struct {
	Name     string
	Profile  string
	Image    string
	UserData []byte
	Labels   map[string]string
}

type Instance struct {
	ID        string
	PublicIP  string
	PrivateIP string
	State     string
}

// Addressed reports whether the cloud has published both addresses for the instance.
func (i Instance) Addressed() bool {
	return i.PublicIP != "" && i.PrivateIP != ""
}

// VMProvisioner creates and destroys the virtual machines backing fleet servers.
type VMProvisioner interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (string, error)
	GetInstance(ctx context.Context, id string) (Instance, error)
	// DeleteInstance returns nil when the instance is already gone.
	DeleteInstance(ctx context.Context, id string) error
}
